// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"github.com/open-idcs/openidcs/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	connectionAttempts prometheus.Counter
}

func NewMQTTMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openidcs_mqtt_connection_attempts_total",
		Help: "Total number of attempts to connect to the MQTT broker",
	})
	registry.MustRegister(connectionAttempts)
	return Monitor{
		connectionAttempts: connectionAttempts,
	}
}
