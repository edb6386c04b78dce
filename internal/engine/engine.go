// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the contract between the host manager and the
// virtualization backends it drives.
package engine

import (
	"context"

	"github.com/open-idcs/openidcs/internal/machines"
)

// Adapter drives one backend instance on behalf of the controller.
//
// Implementations are safe for concurrent use. Operations on the same
// adapter are serialized internally because the backend daemons do not
// tolerate concurrent control requests against one instance.
type Adapter interface {
	// Init validates the configuration and prepares the adapter. Called
	// once after construction, before any other operation.
	Init(ctx context.Context) error

	// The effective configuration of this host.
	HostConfig() machines.HostConfig

	// Host lifecycle. Loader starts the backend daemon, Unload stops it.
	HostCreate(ctx context.Context) *machines.ActionResult
	HostDelete(ctx context.Context) *machines.ActionResult
	HostLoader(ctx context.Context) *machines.ActionResult
	HostUnload(ctx context.Context) *machines.ActionResult
	HostAction(ctx context.Context, action string) *machines.ActionResult

	// The newest retained hardware sample of the host, sampling once when
	// nothing is retained yet. Refresh forces a fresh sample.
	HostStatus(ctx context.Context, refresh bool) machines.HWStatus
	// Crontab runs one poll step: sample the host hardware and refresh
	// the observed guest states. Reports whether the backend answered.
	Crontab(ctx context.Context) bool

	// Guest lifecycle.
	GuestCreate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult
	GuestUpdate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult
	GuestDelete(ctx context.Context, uuid string) *machines.ActionResult
	GuestPower(ctx context.Context, uuid string, power machines.PowerState) *machines.ActionResult
	GuestInstall(ctx context.Context, uuid string) *machines.ActionResult
	// GuestScan adopts backend guests whose name carries the prefix and
	// that are not yet managed. Adoption only, nothing is removed.
	GuestScan(ctx context.Context, prefix string) *machines.ActionResult
	// The retained samples of one guest, or of all guests when the
	// selector is empty. An unknown selector yields a single placeholder
	// sample in the UNKNOWN state.
	GuestStatus(selector string) map[string][]machines.HWStatus
	// GuestConsole allocates a console session and returns the join URL
	// in the result payload.
	GuestConsole(ctx context.Context, uuid string) *machines.ActionResult

	// A copy of the desired guest configurations.
	Guests() map[string]machines.GuestConfig
	// A copy of the retained runtime state.
	State() State
	// AdoptState replaces the retained runtime state. Used when a host
	// definition changes and the replacement adapter takes over.
	AdoptState(state State)

	// SaveToStore persists the configuration and the retained state.
	SaveToStore() error
	// ReloadFromStore replaces the retained state with the stored one.
	ReloadFromStore() error
}

// State is the runtime state an adapter retains between ticks. It survives
// host updates: the replacement adapter adopts it wholesale.
type State struct {
	// Hardware samples of the host, oldest first.
	Statuses []machines.HWStatus
	// Desired guest configurations by guest name.
	Guests map[string]machines.GuestConfig
	// Observed guest samples by guest name.
	GuestStatuses map[string][]machines.HWStatus
	// Audit records of executed operations.
	Tasks []machines.Task
}

// NewState returns an empty state with all collections initialized.
func NewState() State {
	return State{
		Statuses:      []machines.HWStatus{},
		Guests:        map[string]machines.GuestConfig{},
		GuestStatuses: map[string][]machines.HWStatus{},
		Tasks:         []machines.Task{},
	}
}

// Record describes one engine in the registry.
type Record struct {
	// Human readable name of the backend product.
	Description string `json:"description"`
	// Whether hosts of this type can be added.
	Enabled bool `json:"enabled"`
	// Whether the backend is driven over the network.
	Remote bool `json:"remote"`
	// Host platforms the backend runs on.
	Platforms []string `json:"platforms"`
	// CPU architectures the backend supports.
	Architectures []string `json:"architectures"`
	// Engine specific options with their description.
	Options map[string]string `json:"options,omitempty"`
	// Default logical OS name to backend guest OS tag mapping.
	SystemOS map[string]string `json:"system_os,omitempty"`
	// Operator facing note, e.g. restrictions of the backend.
	Message string `json:"message,omitempty"`
}
