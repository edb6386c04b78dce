// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/sapcc/go-bits/easypg"
)

// Wrapper around gorp.DbMap that adds some convenience functions.
type DB struct {
	*gorp.DbMap
	DBConfig conf.DBConfig
}

type Table interface {
	TableName() string
}

// Create a new postgres database and wait until it is connected.
func NewPostgresDB(c conf.DBConfig, monitors ...Monitor) DB {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          c.Host,
		Port:              strconv.Itoa(c.Port),
		UserName:          c.User,
		Password:          c.Password,
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      c.Database,
	})
	if err != nil {
		panic(err)
	}
	slog.Info("connecting to database", "dbURL", dbURL.String())
	db, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		panic(err)
	}

	maxRetries := c.Reconnect.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	retryInterval := time.Duration(c.Reconnect.RetryIntervalSeconds) * time.Second
	if retryInterval == 0 {
		retryInterval = time.Second
	}
	var sqlDB *sql.DB
	for i := range maxRetries {
		for _, m := range monitors {
			if m.connectionAttempts != nil {
				m.connectionAttempts.Inc()
			}
		}
		err := db.Ping()
		if err == nil {
			sqlDB = db
			break
		}
		if i == maxRetries-1 {
			panic("giving up connecting to database")
		}
		slog.Error("failed to connect to database, retrying...", "error", err)
		time.Sleep(retryInterval)
	}

	sqlDB.SetMaxOpenConns(16)
	for _, m := range monitors {
		m.observePool(c.Database, sqlDB)
	}
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
	slog.Info("database is ready")
	return DB{DBConfig: c, DbMap: dbMap}
}

// Adds missing functionality to gorp.DbMap which creates one table.
func (d *DB) CreateTable(table ...*gorp.TableMap) error {
	tx, err := d.Begin()
	if err != nil {
		slog.Error("failed to begin transaction", "error", err)
		return tx.Rollback()
	}
	for _, t := range table {
		slog.Info("creating table", "table", t.TableName)
		sql := t.SqlForCreate(true) // true means to add IF NOT EXISTS
		if _, err := tx.Exec(sql); err != nil {
			return tx.Rollback()
		}
	}
	return tx.Commit()
}

// Adds a Model table to the database.
func (d *DB) AddTable(t Table) *gorp.TableMap {
	slog.Info("adding table", "table", t.TableName(), "model", t)
	return d.AddTableWithName(t, t.TableName())
}

// Check if a table exists in the database.
func (d *DB) TableExists(t Table) bool {
	query := `SELECT EXISTS (
		SELECT 1
		FROM   information_schema.tables
		WHERE  table_name = :table_name
	);`
	var exists bool
	err := d.SelectOne(&exists, query, map[string]any{"table_name": t.TableName()})
	if err != nil {
		slog.Error("failed to check if table exists", "error", err)
		return false
	}
	return exists
}

// The placeholder for the i-th query parameter in the connected dialect.
func (d *DB) BindVar(i int) string {
	return d.Dialect.BindVar(i)
}

// Convenience function to the database connection.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("failed to close database connection", "error", err)
	}
}

// Database or transaction that supports update and insert methods.
type upsertable interface {
	Update(list ...interface{}) (int64, error)
	Insert(list ...interface{}) error
}

// Check if the error is a unique constraint violation, in the phrasing of
// both postgres and the sqlite test database.
func isDuplicateKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// Upsert a model into the database (Insert if possible, otherwise Update).
func Upsert(u upsertable, model any) error {
	if err := u.Insert(model); err != nil {
		if !isDuplicateKey(err) {
			return err
		}
		if _, err := u.Update(model); err != nil {
			return err
		}
	}
	return nil
}

// Replace all rows of the model's table with the given models, in a
// single transaction.
func ReplaceAll[M Table](d DB, models ...M) error {
	var m M
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM " + m.TableName()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	for i := range models {
		if err := tx.Insert(&models[i]); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("failed to rollback transaction", "error", rbErr)
			}
			return err
		}
	}
	return tx.Commit()
}
