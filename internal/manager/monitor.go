// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"time"

	"github.com/open-idcs/openidcs/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	tickDuration prometheus.Histogram
	hosts        prometheus.Gauge
	guests       prometheus.Gauge
	guestsUp     prometheus.Gauge
}

func NewManagerMonitor(registry *monitoring.Registry) Monitor {
	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "openidcs_manager_tick_duration_seconds",
		Help:    "Duration of one poll tick over all hosts",
		Buckets: prometheus.DefBuckets,
	})
	hosts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openidcs_manager_hosts",
		Help: "Number of registered hosts",
	})
	guests := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openidcs_manager_guests",
		Help: "Number of managed guests over all hosts",
	})
	guestsUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "openidcs_manager_guests_running",
		Help: "Number of guests observed in the started state",
	})
	registry.MustRegister(tickDuration, hosts, guests, guestsUp)
	return Monitor{
		tickDuration: tickDuration,
		hosts:        hosts,
		guests:       guests,
		guestsUp:     guestsUp,
	}
}

// observeTick records one finished tick. A zero valued monitor records
// nothing.
func (m Monitor) observeTick(duration time.Duration, stats Stats) {
	if m.tickDuration != nil {
		m.tickDuration.Observe(duration.Seconds())
	}
	if m.hosts != nil {
		m.hosts.Set(float64(stats.HostCount))
	}
	if m.guests != nil {
		m.guests.Set(float64(stats.GuestCount))
	}
	if m.guestsUp != nil {
		m.guestsUp.Set(float64(stats.RunningGuestCount))
	}
}
