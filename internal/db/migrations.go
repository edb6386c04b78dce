// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"embed"
	"log/slog"
	"sort"
	"strings"
)

// Migration files that should be executed before services are started.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

type Migrater interface {
	Migrate()
}

type migrater struct {
	migrations map[string]string
	db         DB
}

// Create a new migrater with files embedded in the binary.
func NewMigrater(db DB) Migrater {
	// Read the embedded migration files.
	migrations := map[string]string{}
	files, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		panic(err)
	}
	for _, file := range files {
		if file.IsDir() {
			panic("migrations directory contains a directory")
		}
		content, err := migrationFiles.ReadFile("migrations/" + file.Name())
		if err != nil {
			panic(err)
		}
		migrations[file.Name()] = string(content)
	}
	return &migrater{db: db, migrations: migrations}
}

// Run all migrations ordered by their file name.
//
// Migrations run statement by statement. A statement that re-adds an
// already present column is logged and skipped, so the same schema can be
// applied to databases of any age. Any other failure aborts startup.
func (m *migrater) Migrate() {
	migrationFileNames := make([]string, 0, len(m.migrations))
	for name := range m.migrations {
		migrationFileNames = append(migrationFileNames, name)
	}
	sort.Strings(migrationFileNames)
	for _, name := range migrationFileNames {
		slog.Info("executing migration", "name", name)
		for _, stmt := range splitStatements(m.migrations[name]) {
			if _, err := m.db.Exec(stmt); err != nil {
				if isDuplicateColumn(err) {
					slog.Info("skipping migration statement, column already present", "name", name, "error", err)
					continue
				}
				panic(err)
			}
		}
	}
	slog.Info("migrations executed")
}

func splitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			stmts = append(stmts, trimmed)
		}
	}
	return stmts
}

// Postgres reports re-added columns as "column ... already exists", sqlite
// as "duplicate column name".
func isDuplicateColumn(err error) bool {
	msg := err.Error()
	if strings.Contains(msg, "duplicate column name") {
		return true
	}
	return strings.Contains(msg, "column") && strings.Contains(msg, "already exists")
}
