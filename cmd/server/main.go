// Copyright 2026 The Thorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lemonade/thorn/internal/audit"
	"github.com/lemonade/thorn/internal/authz"
	"github.com/lemonade/thorn/internal/config"
	"github.com/lemonade/thorn/internal/gateway"
	"github.com/lemonade/thorn/internal/identity"
	"github.com/lemonade/thorn/internal/ldap"
	"github.com/lemonade/thorn/internal/observability/logger"
	"github.com/lemonade/thorn/internal/observability/metrics"
	"github.com/lemonade/thorn/internal/observability/tracing"
	"github.com/lemonade/thorn/internal/store/postgres"
	"github.com/lemonade/thorn/internal/token"
	transportHTTP "github.com/lemonade/thorn/internal/transport/http"
)

const usage = `usage: thorn [command]

commands:
  serve                 run the gateway (default)
  migrate [up|down N]   apply or roll back schema migrations
  bootstrap             create the administrator from THORN_BOOTSTRAP_ADMIN_*
  hash-password [pw]    print a password hash (reads stdin when pw is omitted)
`

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	command := "serve"
	var args []string
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	switch command {
	case "serve":
		err = runServe(cfg)
	case "migrate":
		err = runMigrate(cfg, args)
	case "bootstrap":
		err = runBootstrap(cfg)
	case "hash-password":
		err = runHashPassword(cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", logger.Operation(command), logger.Error(err))
		os.Exit(1)
	}
}

func dbConfig(cfg config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func newHasher(cfg *config.Config) *identity.PasswordHasher {
	return identity.NewPasswordHasher(identity.HasherConfig{
		Algorithm:         cfg.Security.PasswordAlgorithm,
		BcryptCost:        cfg.Security.BcryptCost,
		Argon2Memory:      cfg.Security.Argon2Memory,
		Argon2Iterations:  cfg.Security.Argon2Iterations,
		Argon2Parallelism: cfg.Security.Argon2Parallelism,
		Argon2SaltLength:  cfg.Security.Argon2SaltLength,
		Argon2KeyLength:   cfg.Security.Argon2KeyLength,
	})
}

func runServe(cfg *config.Config) error {
	slog.Info("starting thorn gateway", logger.Component("server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	defer tracer.Shutdown(context.Background())

	// Initialize meter
	meter, err := metrics.New(metrics.Config{Enabled: true}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		meter = metrics.Noop()
	}
	defer meter.Shutdown(context.Background())

	// Initialize database
	db, err := postgres.New(ctx, dbConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize repositories
	userRepo := postgres.NewUserRepository(db)
	roleRepo := postgres.NewRoleRepository(db)
	settingsRepo := postgres.NewSettingsRepository(db)

	// Initialize helpers
	auditLogger := audit.NewSlogLogger(slog.Default())
	passwordHasher := newHasher(cfg)

	var directory identity.Directory
	if cfg.LDAP.Enabled {
		directory = ldap.NewClient(settingsRepo, cfg.LDAP.Timeout)
	}

	// Initialize services
	identityService := identity.NewService(userRepo, roleRepo, passwordHasher, directory, auditLogger, identity.ServiceConfig{
		DefaultLocale:  cfg.Provisioning.DefaultLocale,
		DefaultRoleIDs: cfg.Provisioning.DefaultRoleIDs,
	})

	if created, err := identity.NewBootstrapService(userRepo, roleRepo, passwordHasher, auditLogger).Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
	} else if created {
		slog.Info("bootstrap administrator created")
	}

	keyCache := token.NewKeyCache(cfg.OpenID.KeyCacheSize, cfg.OpenID.KeyCacheTTL)
	resolver, err := token.NewResolver(keyCache, token.ResolverConfig{
		HTTPTimeout:      cfg.OpenID.HTTPTimeout,
		MinRefresh:       cfg.OpenID.MinRefresh,
		BreakerThreshold: cfg.OpenID.BreakerThreshold,
		BreakerTimeout:   cfg.OpenID.BreakerTimeout,
	}, meter, tracer)
	if err != nil {
		return err
	}
	legacyCodec := token.NewLegacyCodec(cfg.Security.SigningSecret, cfg.Security.TokenLifetime)

	formats, err := token.ParseFormats(cfg.Gateway.TokenOrder)
	if err != nil {
		return err
	}

	arbitrator, err := gateway.NewArbitrator(gateway.Config{
		SharedSecret: cfg.Gateway.SharedSecret,
		PublicMarker: cfg.Gateway.PublicMarker,
		Unprotected:  cfg.Gateway.UnprotectedURLs,
		Formats:      formats,
		LegacyMode:   gateway.LegacyMode(cfg.Gateway.LegacyTokenMode),
	},
		identityService,
		settingsRepo,
		legacyCodec,
		token.NewOpenIDVerifier(resolver, cfg.OpenID.VerifyExpiry, cfg.OpenID.Leeway),
		auditLogger,
		meter,
		tracer,
	)
	if err != nil {
		return err
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	handler := transportHTTP.NewHandler(arbitrator, identityService, legacyCodec, keyCache, auditLogger, db)
	router := transportHTTP.NewRouter(handler, authz.NewGuard(arbitrator, auditLogger), rateLimiter, meter.Handler())

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", logger.Component("server"), logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func runMigrate(cfg *config.Config, args []string) error {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}

	switch direction {
	case "up":
		return postgres.MigrateUp(dbConfig(cfg.Database), slog.Default())
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return postgres.MigrateDown(dbConfig(cfg.Database), steps, slog.Default())
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
}

func runBootstrap(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, dbConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer db.Close()

	bootstrapService := identity.NewBootstrapService(
		postgres.NewUserRepository(db),
		postgres.NewRoleRepository(db),
		newHasher(cfg),
		audit.NewSlogLogger(slog.Default()),
	)

	created, err := bootstrapService.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if created {
		fmt.Println("Administrator created.")
	} else {
		fmt.Println("Nothing to do.")
	}
	return nil
}

func runHashPassword(cfg *config.Config, args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := newHasher(cfg).Hash(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
