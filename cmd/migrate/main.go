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

// Command migrate applies or rolls back the thorn schema. It needs only the
// DB_* environment variables.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lemonade/thorn/internal/config"
	"github.com/lemonade/thorn/internal/observability/logger"
	"github.com/lemonade/thorn/internal/store/postgres"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Format: "text", ServiceName: "thorn-migrate"})

	db, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	cfg := postgres.Config{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Database,
		SSLMode:  db.SSLMode,
	}

	if *down > 0 {
		err = postgres.MigrateDown(cfg, *down, log)
	} else {
		err = postgres.MigrateUp(cfg, log)
	}
	if err != nil {
		log.Error("migration failed", logger.Error(err))
		os.Exit(1)
	}
}
