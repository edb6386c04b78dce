// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sapcc/go-bits/jobloop"

	"github.com/open-idcs/openidcs/internal/catalog"
	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/open-idcs/openidcs/internal/engine"
	"github.com/open-idcs/openidcs/internal/machines"
	"github.com/open-idcs/openidcs/internal/mqtt"
)

const defaultTickInterval = 60 * time.Second

// ErrHostNotFound reports an operation against a host that is not
// registered. The text doubles as the operator facing message.
var ErrHostNotFound = fmt.Errorf("%w: 主机不存在", machines.ErrNotFound)

// Condensed view of one registered host. Status carries the newest
// hardware sample from the retained ring, nil until the first poll.
type HostSummary struct {
	Name       string              `json:"name"`
	ServerType string              `json:"type"`
	ServerAddr string              `json:"addr"`
	GuestCount int                 `json:"vm_count"`
	Config     machines.HostConfig `json:"config"`
	Status     *machines.HWStatus  `json:"status,omitempty"`
}

// Controller wide counters.
type Stats struct {
	HostCount         int `json:"host_count"`
	GuestCount        int `json:"vm_count"`
	RunningGuestCount int `json:"running_vm_count"`
}

// Manager is the control plane over all registered hosts. All methods are
// safe for concurrent use.
type Manager interface {
	// SetBearer installs the API token, generating a random one when the
	// given token is empty, and persists it. Returns the active token.
	SetBearer(token string) (string, error)
	// The active API token.
	Bearer() string
	// VerifyBearer compares in constant time. Empty tokens never verify.
	VerifyBearer(token string) bool

	// Host lifecycle.
	AddHost(ctx context.Context, name string, config machines.HostConfig) error
	UpdateHost(ctx context.Context, name string, config machines.HostConfig) error
	DeleteHost(ctx context.Context, name string) error
	// PowerHost boots or shuts down the backend of a host.
	PowerHost(ctx context.Context, name string, enable bool) (*machines.ActionResult, error)
	// ScanHost adopts pre-existing backend guests of a host.
	ScanHost(ctx context.Context, name, prefix string) (*machines.ActionResult, error)
	HostAction(ctx context.Context, name, action string) (*machines.ActionResult, error)

	// Host views.
	Hosts() []HostSummary
	Host(name string) (HostSummary, error)
	HostStatus(ctx context.Context, name string, refresh bool) (machines.HWStatus, error)

	// Guest operations, resolved through the owning host.
	Guests(hostName string) (map[string]machines.GuestConfig, error)
	GuestCreate(ctx context.Context, hostName string, config machines.GuestConfig) (*machines.ActionResult, error)
	GuestUpdate(ctx context.Context, hostName string, config machines.GuestConfig) (*machines.ActionResult, error)
	GuestDelete(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error)
	GuestPower(ctx context.Context, hostName, guestUUID string, power machines.PowerState) (*machines.ActionResult, error)
	GuestInstall(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error)
	GuestStatus(hostName, selector string) (map[string][]machines.HWStatus, error)
	GuestConsole(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error)

	// Aggregates for the API.
	Logs(hostName string, limit int) ([]catalog.Log, error)
	Stats() Stats
	EngineTypes() map[string]engine.Record

	// Store round trips and the periodic loop.
	LoadAll(ctx context.Context) error
	SaveAll() error
	ExitAll(ctx context.Context)
	Tick(ctx context.Context)
	TickPeriodic(ctx context.Context)
}

type manager struct {
	store   catalog.Store
	mqtt    mqtt.Client
	monitor Monitor
	deps    EngineDeps
	// Pause between two runs of the periodic loop.
	interval time.Duration

	// Guards the adapter map and the bearer token.
	mu       sync.RWMutex
	adapters map[string]engine.Adapter
	bearer   string

	// Serializes host mutations so the registered set cannot change
	// between a check and the matching insert or delete.
	hostOps sync.Mutex

	// True while a tick runs, overlapping ticks are dropped.
	ticking atomic.Bool
}

func NewManager(config conf.ManagerConfig, deps EngineDeps, mqttClient mqtt.Client, monitor Monitor) Manager {
	interval := time.Duration(config.TickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if deps.StatusRetention <= 0 {
		deps.StatusRetention = config.StatusRetention
	}
	return &manager{
		store:    deps.Store,
		mqtt:     mqttClient,
		monitor:  monitor,
		deps:     deps,
		interval: interval,
		adapters: map[string]engine.Adapter{},
	}
}

func (m *manager) SetBearer(token string) (string, error) {
	if token == "" {
		token = newBearerToken()
	}
	global, err := m.store.Global()
	if err != nil {
		return "", err
	}
	global.Bearer = token
	if err := m.store.SetGlobal(global); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.bearer = token
	m.mu.Unlock()
	return token, nil
}

func (m *manager) Bearer() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bearer
}

func (m *manager) VerifyBearer(token string) bool {
	m.mu.RLock()
	bearer := m.bearer
	m.mu.RUnlock()
	if token == "" || bearer == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(bearer)) == 1
}

// AddHost registers a new host and boots its backend. A failing backend
// loader does not reject the host, the operator can power it up later.
func (m *manager) AddHost(ctx context.Context, name string, config machines.HostConfig) error {
	if name == "" {
		return fmt.Errorf("%w: host name is empty", machines.ErrConfig)
	}
	factory, err := resolveFactory(config.ServerType)
	if err != nil {
		return err
	}

	m.hostOps.Lock()
	defer m.hostOps.Unlock()
	if _, err := m.adapter(name); err == nil {
		return fmt.Errorf("%w: host %q", machines.ErrAlreadyExists, name)
	}

	adapter := factory(name, config, m.deps)
	if err := adapter.Init(ctx); err != nil {
		return err
	}
	if result := adapter.HostCreate(ctx); result.Err() != nil {
		return result.Err()
	}
	if result := adapter.HostLoader(ctx); result.Err() != nil {
		slog.Error("backend loader failed on host add", "host", name, "error", result.Err())
	}

	m.mu.Lock()
	m.adapters[name] = adapter
	m.mu.Unlock()

	if err := adapter.SaveToStore(); err != nil {
		return err
	}
	m.publish("openidcs/hosts/added", map[string]any{"hs_name": name, "server_type": config.ServerType})
	return nil
}

// UpdateHost replaces the configuration of a host. The replacement adapter
// is built first and adopts the retained runtime state, so a replacement
// that fails to initialize leaves the old host untouched. The registered
// map is swapped only once the replacement is loaded.
func (m *manager) UpdateHost(ctx context.Context, name string, config machines.HostConfig) error {
	factory, err := resolveFactory(config.ServerType)
	if err != nil {
		return err
	}

	m.hostOps.Lock()
	defer m.hostOps.Unlock()
	old, err := m.adapter(name)
	if err != nil {
		return err
	}

	fresh := factory(name, config, m.deps)
	if err := fresh.Init(ctx); err != nil {
		return err
	}
	fresh.AdoptState(old.State())

	if result := old.HostUnload(ctx); result.Err() != nil {
		slog.Warn("backend unload failed on host update", "host", name, "error", result.Err())
	}
	if result := fresh.HostLoader(ctx); result.Err() != nil {
		slog.Error("backend loader failed on host update", "host", name, "error", result.Err())
	}

	m.mu.Lock()
	m.adapters[name] = fresh
	m.mu.Unlock()

	if err := fresh.SaveToStore(); err != nil {
		return err
	}
	m.publish("openidcs/hosts/updated", map[string]any{"hs_name": name, "server_type": config.ServerType})
	return nil
}

// DeleteHost unloads the backend and drops the host with all of its
// persisted sections.
func (m *manager) DeleteHost(ctx context.Context, name string) error {
	m.hostOps.Lock()
	defer m.hostOps.Unlock()
	adapter, err := m.adapter(name)
	if err != nil {
		return err
	}
	if result := adapter.HostUnload(ctx); result.Err() != nil {
		slog.Warn("backend unload failed on host delete", "host", name, "error", result.Err())
	}
	if result := adapter.HostDelete(ctx); result.Err() != nil {
		slog.Warn("host delete hook failed", "host", name, "error", result.Err())
	}

	m.mu.Lock()
	delete(m.adapters, name)
	m.mu.Unlock()

	if err := m.store.DeleteHostData(name); err != nil {
		return err
	}
	m.publish("openidcs/hosts/deleted", map[string]any{"hs_name": name})
	return nil
}

func (m *manager) PowerHost(ctx context.Context, name string, enable bool) (*machines.ActionResult, error) {
	adapter, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	if enable {
		return adapter.HostLoader(ctx), nil
	}
	return adapter.HostUnload(ctx), nil
}

func (m *manager) ScanHost(ctx context.Context, name, prefix string) (*machines.ActionResult, error) {
	adapter, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	result := adapter.GuestScan(ctx, prefix)
	if result.Success {
		m.publish("openidcs/hosts/scanned", map[string]any{"hs_name": name, "results": result.Results})
	}
	return result, nil
}

func (m *manager) HostAction(ctx context.Context, name, action string) (*machines.ActionResult, error) {
	adapter, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	return adapter.HostAction(ctx, action), nil
}

// Hosts lists the registered hosts sorted by name.
func (m *manager) Hosts() []HostSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]HostSummary, 0, len(m.adapters))
	for name, adapter := range m.adapters {
		summaries = append(summaries, summarize(name, adapter))
	}
	slices.SortFunc(summaries, func(a, b HostSummary) int {
		return strings.Compare(a.Name, b.Name)
	})
	return summaries
}

func (m *manager) Host(name string) (HostSummary, error) {
	adapter, err := m.adapter(name)
	if err != nil {
		return HostSummary{}, err
	}
	return summarize(name, adapter), nil
}

func (m *manager) HostStatus(ctx context.Context, name string, refresh bool) (machines.HWStatus, error) {
	adapter, err := m.adapter(name)
	if err != nil {
		return machines.HWStatus{}, err
	}
	return adapter.HostStatus(ctx, refresh), nil
}

func (m *manager) Guests(hostName string) (map[string]machines.GuestConfig, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	return adapter.Guests(), nil
}

// GuestCreate provisions a guest on the named host, minting a uuid when
// the configuration carries none.
func (m *manager) GuestCreate(ctx context.Context, hostName string, config machines.GuestConfig) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	if config.UUID == "" {
		config.UUID = uuid.NewString()
	}
	result := adapter.GuestCreate(ctx, config)
	if result.Success {
		m.publish("openidcs/guests/created", map[string]any{"hs_name": hostName, "vm_uuid": config.UUID})
	}
	return result, nil
}

func (m *manager) GuestUpdate(ctx context.Context, hostName string, config machines.GuestConfig) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	result := adapter.GuestUpdate(ctx, config)
	if result.Success {
		m.publish("openidcs/guests/updated", map[string]any{"hs_name": hostName, "vm_uuid": config.UUID})
	}
	return result, nil
}

func (m *manager) GuestDelete(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	result := adapter.GuestDelete(ctx, guestUUID)
	if result.Success {
		m.publish("openidcs/guests/deleted", map[string]any{"hs_name": hostName, "vm_uuid": guestUUID})
	}
	return result, nil
}

func (m *manager) GuestPower(ctx context.Context, hostName, guestUUID string, power machines.PowerState) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	result := adapter.GuestPower(ctx, guestUUID, power)
	if result.Success {
		m.publish("openidcs/guests/power", map[string]any{
			"hs_name": hostName, "vm_uuid": guestUUID, "power": string(power),
		})
	}
	return result, nil
}

func (m *manager) GuestInstall(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	return adapter.GuestInstall(ctx, guestUUID), nil
}

func (m *manager) GuestStatus(hostName, selector string) (map[string][]machines.HWStatus, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	return adapter.GuestStatus(selector), nil
}

func (m *manager) GuestConsole(ctx context.Context, hostName, guestUUID string) (*machines.ActionResult, error) {
	adapter, err := m.adapter(hostName)
	if err != nil {
		return nil, err
	}
	return adapter.GuestConsole(ctx, guestUUID), nil
}

// Logs returns the stored log lines of a host, oldest first, or the
// controller wide lines when the name is empty. A positive limit keeps
// only the newest lines.
func (m *manager) Logs(hostName string, limit int) ([]catalog.Log, error) {
	logs, err := m.store.Logs(hostName)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs, nil
}

func (m *manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{HostCount: len(m.adapters)}
	for _, adapter := range m.adapters {
		state := adapter.State()
		stats.GuestCount += len(state.Guests)
		for _, samples := range state.GuestStatuses {
			if len(samples) == 0 {
				continue
			}
			if samples[len(samples)-1].AcStatus == machines.StateStarted {
				stats.RunningGuestCount++
			}
		}
	}
	return stats
}

// EngineTypes returns the registry metadata, keyed by engine type.
func (m *manager) EngineTypes() map[string]engine.Record {
	return maps.Clone(records)
}

// LoadAll rebuilds the manager from the store. Single hosts that fail to
// rebuild are logged and skipped so one broken row cannot take down the
// controller.
func (m *manager) LoadAll(ctx context.Context) error {
	global, err := m.store.Global()
	if err != nil {
		return err
	}
	bearer := global.Bearer
	if bearer == "" {
		bearer = newBearerToken()
		global.Bearer = bearer
		if err := m.store.SetGlobal(global); err != nil {
			return err
		}
		slog.Info("generated api bearer token", "bearer", bearer)
	}
	m.mu.Lock()
	m.bearer = bearer
	m.mu.Unlock()

	rows, err := m.store.Hosts()
	if err != nil {
		return err
	}
	adapters := make(map[string]engine.Adapter, len(rows))
	for _, row := range rows {
		config, err := row.Config()
		if err != nil {
			slog.Error("skipping host with broken configuration", "host", row.Name, "error", err)
			continue
		}
		factory, err := resolveFactory(config.ServerType)
		if err != nil {
			slog.Error("skipping host with unusable engine type", "host", row.Name, "error", err)
			continue
		}
		adapter := factory(row.Name, config, m.deps)
		if err := adapter.Init(ctx); err != nil {
			slog.Error("skipping host that failed to initialize", "host", row.Name, "error", err)
			continue
		}
		if err := adapter.ReloadFromStore(); err != nil {
			slog.Error("skipping host that failed to load", "host", row.Name, "error", err)
			continue
		}
		if result := adapter.HostLoader(ctx); result.Err() != nil {
			slog.Error("backend loader failed on load", "host", row.Name, "error", result.Err())
		}
		adapters[row.Name] = adapter
	}

	m.mu.Lock()
	m.adapters = adapters
	m.mu.Unlock()
	return nil
}

// SaveAll snapshots every host to the store.
func (m *manager) SaveAll() error {
	var errs []error
	for name, adapter := range m.snapshot() {
		if err := adapter.SaveToStore(); err != nil {
			errs = append(errs, fmt.Errorf("saving host %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ExitAll stops every backend on the shutdown path. Failures are logged,
// shutdown proceeds regardless.
func (m *manager) ExitAll(ctx context.Context) {
	for name, adapter := range m.snapshot() {
		if result := adapter.HostUnload(ctx); result.Err() != nil {
			slog.Warn("backend unload failed on shutdown", "host", name, "error", result.Err())
		}
	}
}

// Tick runs one poll step over every host in parallel, then persists. A
// tick that would overlap a still running one is dropped.
func (m *manager) Tick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		slog.Warn("previous tick still running, skipping")
		return
	}
	defer m.ticking.Store(false)

	start := time.Now()
	adapters := m.snapshot()
	var answered atomic.Int64
	var wg sync.WaitGroup
	for name, adapter := range adapters {
		wg.Go(func() {
			if adapter.Crontab(ctx) {
				answered.Add(1)
			} else {
				slog.Warn("backend did not answer the poll", "host", name)
			}
		})
	}
	wg.Wait()
	if err := m.SaveAll(); err != nil {
		slog.Error("saving hosts after tick", "error", err)
	}

	stats := m.Stats()
	m.monitor.observeTick(time.Since(start), stats)
	m.publish("openidcs/manager/tick", map[string]any{
		"hosts":    len(adapters),
		"answered": answered.Load(),
		"guests":   stats.GuestCount,
	})
}

// TickPeriodic runs Tick every interval until the context ends.
func (m *manager) TickPeriodic(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("host manager shutting down")
			return
		default:
			m.Tick(ctx)
			time.Sleep(jobloop.DefaultJitter(m.interval))
		}
	}
}

// adapter resolves a host by name.
func (m *manager) adapter(name string) (engine.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[name]
	if !ok {
		return nil, ErrHostNotFound
	}
	return adapter, nil
}

// snapshot copies the adapter map so slow per host work runs unlocked.
func (m *manager) snapshot() map[string]engine.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.adapters)
}

// publish emits a manager event, best effort.
func (m *manager) publish(topic string, obj any) {
	if m.mqtt == nil {
		return
	}
	m.mqtt.Publish(topic, obj)
}

func resolveFactory(serverType string) (Factory, error) {
	record, ok := records[serverType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine type %q", machines.ErrUnsupported, serverType)
	}
	if !record.Enabled {
		return nil, fmt.Errorf("%w: engine type %q is not enabled", machines.ErrUnsupported, serverType)
	}
	factory, ok := factories[serverType]
	if !ok {
		return nil, fmt.Errorf("%w: engine type %q has no adapter", machines.ErrUnsupported, serverType)
	}
	return factory, nil
}

func summarize(name string, adapter engine.Adapter) HostSummary {
	config := adapter.HostConfig()
	summary := HostSummary{
		Name:       name,
		ServerType: config.ServerType,
		ServerAddr: config.ServerAddr,
		GuestCount: len(adapter.Guests()),
		Config:     config,
	}
	if statuses := adapter.State().Statuses; len(statuses) > 0 {
		latest := statuses[len(statuses)-1]
		summary.Status = &latest
	}
	return summary
}

func newBearerToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
