// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"log"
	"os"
	"testing"

	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
)

type mockTable struct {
	ID   string `db:"id,primarykey"`
	Name string `db:"name"`
}

func (mockTable) TableName() string { return "mock_table" }

// The testlib helpers depend on this package, so tests here set up their
// own sqlite database.
func newTestDB(t *testing.T) DB {
	t.Helper()
	tmpDir := t.TempDir()
	sqlDB, err := sql.Open("sqlite3", tmpDir+"/test.db")
	if err != nil {
		t.Fatal(err)
	}
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
	dbMap.TraceOn("[gorp]", log.New(os.Stdout, "openidcs:", log.Lmicroseconds))
	return DB{DbMap: dbMap}
}

func TestCreateTable(t *testing.T) {
	testDB := newTestDB(t)
	defer testDB.Close()

	if err := testDB.CreateTable(testDB.AddTable(mockTable{})); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Creating the same table again must be a no-op.
	if err := testDB.CreateTable(testDB.AddTable(mockTable{})); err != nil {
		t.Fatalf("expected no error on re-create, got %v", err)
	}

	if err := testDB.Insert(&mockTable{ID: "1", Name: "one"}); err != nil {
		t.Fatalf("expected insert to succeed, got %v", err)
	}
	var got mockTable
	if err := testDB.SelectOne(&got, "SELECT * FROM mock_table WHERE id = :id", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("expected select to succeed, got %v", err)
	}
	if got.Name != "one" {
		t.Errorf("expected name 'one', got %q", got.Name)
	}
}

func TestUpsert(t *testing.T) {
	testDB := newTestDB(t)
	defer testDB.Close()

	if err := testDB.CreateTable(testDB.AddTable(mockTable{})); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := Upsert(testDB, &mockTable{ID: "1", Name: "one"}); err != nil {
		t.Fatalf("expected upsert insert to succeed, got %v", err)
	}
	// Same key again should update instead of failing.
	if err := Upsert(testDB, &mockTable{ID: "1", Name: "uno"}); err != nil {
		t.Fatalf("expected upsert update to succeed, got %v", err)
	}

	var got mockTable
	if err := testDB.SelectOne(&got, "SELECT * FROM mock_table WHERE id = :id", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("expected select to succeed, got %v", err)
	}
	if got.Name != "uno" {
		t.Errorf("expected name 'uno', got %q", got.Name)
	}
}

func TestReplaceAll(t *testing.T) {
	testDB := newTestDB(t)
	defer testDB.Close()

	if err := testDB.CreateTable(testDB.AddTable(mockTable{})); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, m := range []mockTable{{ID: "1", Name: "one"}, {ID: "2", Name: "two"}, {ID: "3", Name: "three"}} {
		if err := testDB.Insert(&m); err != nil {
			t.Fatalf("expected insert to succeed, got %v", err)
		}
	}

	if err := ReplaceAll(testDB, mockTable{ID: "4", Name: "four"}, mockTable{ID: "5", Name: "five"}); err != nil {
		t.Fatalf("expected replace to succeed, got %v", err)
	}
	count, err := testDB.SelectInt("SELECT COUNT(*) FROM mock_table")
	if err != nil {
		t.Fatalf("expected count to succeed, got %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows after replace, got %d", count)
	}

	// Replacing with nothing empties the table.
	if err := ReplaceAll[mockTable](testDB); err != nil {
		t.Fatalf("expected empty replace to succeed, got %v", err)
	}
	count, err = testDB.SelectInt("SELECT COUNT(*) FROM mock_table")
	if err != nil {
		t.Fatalf("expected count to succeed, got %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows after empty replace, got %d", count)
	}
}

func TestBindVar(t *testing.T) {
	testDB := newTestDB(t)
	defer testDB.Close()

	if got := testDB.BindVar(0); got != "?" {
		t.Errorf("expected sqlite bindvar '?', got %q", got)
	}
}
