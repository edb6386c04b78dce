// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/open-idcs/openidcs/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	registry           *monitoring.Registry
	connectionAttempts prometheus.Counter
}

func NewDBMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openidcs_db_connection_attempts_total",
		Help: "Total number of attempts to connect to the database",
	})
	registry.MustRegister(connectionAttempts)
	return Monitor{
		registry:           registry,
		connectionAttempts: connectionAttempts,
	}
}

// Expose the connection pool statistics of the given database.
func (m Monitor) observePool(name string, db *sql.DB) {
	if m.registry == nil {
		return
	}
	m.registry.MustRegister(sqlstats.NewStatsCollector(name, db))
}
