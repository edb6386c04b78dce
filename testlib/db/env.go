// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/open-idcs/openidcs/internal/db"
	"github.com/open-idcs/openidcs/testlib/db/containers"
)

type DBEnv struct {
	*db.DB
	Close func()
}

func SetupDBEnv(t *testing.T) DBEnv {
	var env DBEnv
	// To run tests faster, the default is running with sqlite.
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("Using real postgres container")
		container := containers.PostgresContainer{}
		container.Init(t)
		port, err := strconv.Atoi(container.GetPort())
		if err != nil {
			t.Fatal(err)
		}
		db := db.NewPostgresDB(conf.DBConfig{
			Host:     "localhost",
			Port:     port,
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
		})
		env.DB = &db
		env.Close = func() {
			env.DB.Close()
			container.Close()
		}
	} else {
		slog.Info("Using sqlite")
		tmpDir := t.TempDir()
		sqlDB, err := sql.Open("sqlite3", tmpDir+"/test.db")
		if err != nil {
			t.Fatal(err)
		}
		env.DB = &db.DB{}
		env.DB.DbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
		env.Close = func() {
			env.DB.Close()
		}
	}
	env.DB.DbMap.TraceOn("[gorp]", log.New(os.Stdout, "openidcs:", log.Lmicroseconds))
	return env
}
