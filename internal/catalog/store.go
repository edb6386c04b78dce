// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-gorp/gorp"
	"github.com/open-idcs/openidcs/internal/db"
	"github.com/open-idcs/openidcs/internal/machines"
)

// Durable state of the controller: the bearer token, host configurations,
// guest configurations, retained hardware samples, the task audit trail
// and log lines.
type Store struct {
	DB db.DB
}

func NewStore(database db.DB) Store {
	return Store{DB: database}
}

// Create missing tables and run pending migrations. Must be called once
// before the store is used.
func (s Store) Init() {
	tables := []*gorp.TableMap{
		s.DB.AddTable(Global{}),
		s.DB.AddTable(Host{}),
		s.DB.AddTable(HostStatus{}),
		s.DB.AddTable(Guest{}),
		s.DB.AddTable(GuestStatus{}),
		s.DB.AddTable(Task{}),
		s.DB.AddTable(Log{}),
	}
	if err := s.DB.CreateTable(tables...); err != nil {
		panic(err)
	}
	db.NewMigrater(s.DB).Migrate()
}

// The controller wide settings, with defaults when nothing is persisted.
func (s Store) Global() (Global, error) {
	var g Global
	err := s.DB.SelectOne(&g, "SELECT * FROM hs_global WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return Global{ID: 1, Saving: DefaultSavingRoot}, nil
	}
	if err != nil {
		return g, fmt.Errorf("reading hs_global: %w", err)
	}
	if g.Saving == "" {
		g.Saving = DefaultSavingRoot
	}
	return g, nil
}

func (s Store) SetGlobal(g Global) error {
	g.ID = 1
	g.UpdatedAt = time.Now()
	if err := db.Upsert(s.DB, &g); err != nil {
		return fmt.Errorf("writing hs_global: %w", err)
	}
	return nil
}

// All persisted host rows.
func (s Store) Hosts() ([]Host, error) {
	var hosts []Host
	if _, err := s.DB.Select(&hosts, "SELECT * FROM hs_config"); err != nil {
		return nil, fmt.Errorf("reading hs_config: %w", err)
	}
	return hosts, nil
}

func (s Store) PutHost(h Host) error {
	h.UpdatedAt = time.Now()
	if err := db.Upsert(s.DB, &h); err != nil {
		return fmt.Errorf("writing hs_config %q: %w", h.Name, err)
	}
	return nil
}

// Drop a host with all of its sections in one transaction.
func (s Store) DeleteHostData(hostName string) error {
	tables := []string{
		Host{}.TableName(),
		HostStatus{}.TableName(),
		Guest{}.TableName(),
		GuestStatus{}.TableName(),
		Task{}.TableName(),
		Log{}.TableName(),
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, table := range tables {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE hs_name = "+s.DB.BindVar(0), hostName); err != nil {
			s.rollback(tx)
			return fmt.Errorf("deleting %s of %q: %w", table, hostName, err)
		}
	}
	return tx.Commit()
}

// Replace the retained hardware samples of a host.
func (s Store) ReplaceHostStatuses(hostName string, statuses []machines.HWStatus) error {
	rows := make([]any, 0, len(statuses))
	now := time.Now()
	for _, status := range statuses {
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("marshaling host status of %q: %w", hostName, err)
		}
		rows = append(rows, &HostStatus{HostName: hostName, Status: string(data), CreatedAt: now})
	}
	return s.replaceForHost(HostStatus{}.TableName(), hostName, rows)
}

// The retained hardware samples of a host, oldest first.
func (s Store) HostStatuses(hostName string) ([]machines.HWStatus, error) {
	var rows []HostStatus
	query := "SELECT * FROM hs_status WHERE hs_name = :hs_name ORDER BY id"
	if _, err := s.DB.Select(&rows, query, map[string]any{"hs_name": hostName}); err != nil {
		return nil, fmt.Errorf("reading hs_status of %q: %w", hostName, err)
	}
	statuses := make([]machines.HWStatus, 0, len(rows))
	for _, row := range rows {
		var status machines.HWStatus
		if err := json.Unmarshal([]byte(row.Status), &status); err != nil {
			return nil, fmt.Errorf("unmarshaling host status of %q: %w", hostName, err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Replace the guest configurations of a host.
func (s Store) ReplaceGuests(hostName string, configs map[string]machines.GuestConfig) error {
	rows := make([]any, 0, len(configs))
	now := time.Now()
	for uuid, config := range configs {
		data, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("marshaling guest %q of %q: %w", uuid, hostName, err)
		}
		rows = append(rows, &Guest{HostName: hostName, UUID: uuid, Config: string(data), UpdatedAt: now})
	}
	return s.replaceForHost(Guest{}.TableName(), hostName, rows)
}

// The guest configurations of a host, by guest name.
func (s Store) Guests(hostName string) (map[string]machines.GuestConfig, error) {
	var rows []Guest
	query := "SELECT * FROM vm_saving WHERE hs_name = :hs_name"
	if _, err := s.DB.Select(&rows, query, map[string]any{"hs_name": hostName}); err != nil {
		return nil, fmt.Errorf("reading vm_saving of %q: %w", hostName, err)
	}
	configs := make(map[string]machines.GuestConfig, len(rows))
	for _, row := range rows {
		var config machines.GuestConfig
		if err := json.Unmarshal([]byte(row.Config), &config); err != nil {
			return nil, fmt.Errorf("unmarshaling guest %q of %q: %w", row.UUID, hostName, err)
		}
		configs[row.UUID] = config
	}
	return configs, nil
}

// Replace the retained guest samples of a host.
func (s Store) ReplaceGuestStatuses(hostName string, statuses map[string][]machines.HWStatus) error {
	rows := make([]any, 0, len(statuses))
	for uuid, samples := range statuses {
		data, err := json.Marshal(samples)
		if err != nil {
			return fmt.Errorf("marshaling guest statuses %q of %q: %w", uuid, hostName, err)
		}
		rows = append(rows, &GuestStatus{HostName: hostName, UUID: uuid, Statuses: string(data)})
	}
	return s.replaceForHost(GuestStatus{}.TableName(), hostName, rows)
}

// The retained guest samples of a host, by guest name.
func (s Store) GuestStatuses(hostName string) (map[string][]machines.HWStatus, error) {
	var rows []GuestStatus
	query := "SELECT * FROM vm_status WHERE hs_name = :hs_name"
	if _, err := s.DB.Select(&rows, query, map[string]any{"hs_name": hostName}); err != nil {
		return nil, fmt.Errorf("reading vm_status of %q: %w", hostName, err)
	}
	statuses := make(map[string][]machines.HWStatus, len(rows))
	for _, row := range rows {
		var samples []machines.HWStatus
		if err := json.Unmarshal([]byte(row.Statuses), &samples); err != nil {
			return nil, fmt.Errorf("unmarshaling guest statuses %q of %q: %w", row.UUID, hostName, err)
		}
		statuses[row.UUID] = samples
	}
	return statuses, nil
}

// Replace the task audit trail of a host.
func (s Store) ReplaceTasks(hostName string, tasks []machines.Task) error {
	rows := make([]any, 0, len(tasks))
	now := time.Now()
	for _, task := range tasks {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshaling task of %q: %w", hostName, err)
		}
		rows = append(rows, &Task{HostName: hostName, Data: string(data), CreatedAt: now})
	}
	return s.replaceForHost(Task{}.TableName(), hostName, rows)
}

// The task audit trail of a host, oldest first.
func (s Store) Tasks(hostName string) ([]machines.Task, error) {
	var rows []Task
	query := "SELECT * FROM vm_tasker WHERE hs_name = :hs_name ORDER BY id"
	if _, err := s.DB.Select(&rows, query, map[string]any{"hs_name": hostName}); err != nil {
		return nil, fmt.Errorf("reading vm_tasker of %q: %w", hostName, err)
	}
	tasks := make([]machines.Task, 0, len(rows))
	for _, row := range rows {
		var task machines.Task
		if err := json.Unmarshal([]byte(row.Data), &task); err != nil {
			return nil, fmt.Errorf("unmarshaling task of %q: %w", hostName, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Append one log line. An empty host name logs to the controller wide log.
func (s Store) AppendLog(hostName, data, level string) error {
	if level == "" {
		level = "INFO"
	}
	row := Log{
		HostName:  sql.NullString{String: hostName, Valid: hostName != ""},
		Data:      data,
		Level:     level,
		CreatedAt: time.Now(),
	}
	if err := s.DB.Insert(&row); err != nil {
		return fmt.Errorf("writing hs_logger: %w", err)
	}
	return nil
}

// The log lines of one host, or the controller wide log for an empty host
// name, oldest first.
func (s Store) Logs(hostName string) ([]Log, error) {
	var rows []Log
	var err error
	if hostName == "" {
		_, err = s.DB.Select(&rows, "SELECT * FROM hs_logger WHERE hs_name IS NULL ORDER BY id")
	} else {
		query := "SELECT * FROM hs_logger WHERE hs_name = :hs_name ORDER BY id"
		_, err = s.DB.Select(&rows, query, map[string]any{"hs_name": hostName})
	}
	if err != nil {
		return nil, fmt.Errorf("reading hs_logger: %w", err)
	}
	return rows, nil
}

// Snapshot of everything a host owns, for a full save or reload.
type HostData struct {
	Config        machines.HostConfig
	Statuses      []machines.HWStatus
	Guests        map[string]machines.GuestConfig
	GuestStatuses map[string][]machines.HWStatus
	Tasks         []machines.Task
}

// Persist a full host snapshot. The sections are replaced one by one;
// each section is transactional on its own.
func (s Store) SaveHostData(hostName string, data HostData) error {
	row, err := NewHost(hostName, data.Config)
	if err != nil {
		return err
	}
	if err := s.PutHost(row); err != nil {
		return err
	}
	if err := s.ReplaceHostStatuses(hostName, data.Statuses); err != nil {
		return err
	}
	if err := s.ReplaceGuests(hostName, data.Guests); err != nil {
		return err
	}
	if err := s.ReplaceGuestStatuses(hostName, data.GuestStatuses); err != nil {
		return err
	}
	return s.ReplaceTasks(hostName, data.Tasks)
}

// Read back a full host snapshot.
func (s Store) LoadHostData(hostName string, config machines.HostConfig) (HostData, error) {
	data := HostData{Config: config}
	var err error
	if data.Statuses, err = s.HostStatuses(hostName); err != nil {
		return data, err
	}
	if data.Guests, err = s.Guests(hostName); err != nil {
		return data, err
	}
	if data.GuestStatuses, err = s.GuestStatuses(hostName); err != nil {
		return data, err
	}
	if data.Tasks, err = s.Tasks(hostName); err != nil {
		return data, err
	}
	return data, nil
}

// Delete all rows of a table scoped to one host and insert replacements,
// in one transaction.
func (s Store) replaceForHost(table, hostName string, rows []any) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM "+table+" WHERE hs_name = "+s.DB.BindVar(0), hostName); err != nil {
		s.rollback(tx)
		return fmt.Errorf("clearing %s of %q: %w", table, hostName, err)
	}
	if len(rows) > 0 {
		if err := tx.Insert(rows...); err != nil {
			s.rollback(tx)
			return fmt.Errorf("filling %s of %q: %w", table, hostName, err)
		}
	}
	return tx.Commit()
}

func (s Store) rollback(tx *gorp.Transaction) {
	if err := tx.Rollback(); err != nil {
		slog.Error("failed to rollback transaction", "error", err)
	}
}
