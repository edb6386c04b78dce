// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/open-idcs/openidcs/internal/catalog"
	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/open-idcs/openidcs/internal/engine"
	"github.com/open-idcs/openidcs/internal/machines"
	testlibDB "github.com/open-idcs/openidcs/testlib/db"
	testlibMQTT "github.com/open-idcs/openidcs/testlib/mqtt"
)

// Records adapter calls in order, shared between all adapters of one test
// so cross adapter ordering can be asserted.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, entry)
}

func (l *callLog) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

type fakeAdapter struct {
	// Unique per adapter instance, host name plus build counter.
	tag    string
	name   string
	config machines.HostConfig
	store  catalog.Store
	log    *callLog

	initErr   error
	loaderErr error
	// When set, Crontab signals entry and blocks until released.
	crontabEntered chan struct{}
	crontabRelease chan struct{}

	mu    sync.Mutex
	state engine.State
}

func (f *fakeAdapter) record(op string) { f.log.add(f.tag + "." + op) }

func (f *fakeAdapter) result(op string, err error) *machines.ActionResult {
	f.record(op)
	if err != nil {
		result := machines.Failure(op, err.Error(), err)
		return &result
	}
	result := machines.Success(op, "OK")
	return &result
}

func (f *fakeAdapter) Init(ctx context.Context) error {
	f.record("Init")
	return f.initErr
}

func (f *fakeAdapter) HostConfig() machines.HostConfig { return f.config }

func (f *fakeAdapter) HostCreate(ctx context.Context) *machines.ActionResult {
	return f.result("HostCreate", nil)
}

func (f *fakeAdapter) HostDelete(ctx context.Context) *machines.ActionResult {
	return f.result("HostDelete", nil)
}

func (f *fakeAdapter) HostLoader(ctx context.Context) *machines.ActionResult {
	return f.result("HostLoader", f.loaderErr)
}

func (f *fakeAdapter) HostUnload(ctx context.Context) *machines.ActionResult {
	return f.result("HostUnload", nil)
}

func (f *fakeAdapter) HostAction(ctx context.Context, action string) *machines.ActionResult {
	return f.result("HostAction:"+action, nil)
}

func (f *fakeAdapter) HostStatus(ctx context.Context, refresh bool) machines.HWStatus {
	f.record("HostStatus")
	return machines.NewHWStatus(machines.StateStarted)
}

func (f *fakeAdapter) Crontab(ctx context.Context) bool {
	f.record("Crontab")
	if f.crontabEntered != nil {
		f.crontabEntered <- struct{}{}
		<-f.crontabRelease
	}
	return true
}

func (f *fakeAdapter) GuestCreate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult {
	f.mu.Lock()
	f.state.Guests[config.UUID] = config
	f.mu.Unlock()
	return f.result("GuestCreate:"+config.UUID, nil)
}

func (f *fakeAdapter) GuestUpdate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult {
	f.mu.Lock()
	f.state.Guests[config.UUID] = config
	f.mu.Unlock()
	return f.result("GuestUpdate:"+config.UUID, nil)
}

func (f *fakeAdapter) GuestDelete(ctx context.Context, guestUUID string) *machines.ActionResult {
	f.mu.Lock()
	delete(f.state.Guests, guestUUID)
	f.mu.Unlock()
	return f.result("GuestDelete:"+guestUUID, nil)
}

func (f *fakeAdapter) GuestPower(ctx context.Context, guestUUID string, power machines.PowerState) *machines.ActionResult {
	return f.result("GuestPower:"+guestUUID+":"+string(power), nil)
}

func (f *fakeAdapter) GuestInstall(ctx context.Context, guestUUID string) *machines.ActionResult {
	return f.result("GuestInstall:"+guestUUID, nil)
}

func (f *fakeAdapter) GuestScan(ctx context.Context, prefix string) *machines.ActionResult {
	return f.result("GuestScan:"+prefix, nil)
}

func (f *fakeAdapter) GuestStatus(selector string) map[string][]machines.HWStatus {
	f.record("GuestStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.state.GuestStatuses)
}

func (f *fakeAdapter) GuestConsole(ctx context.Context, guestUUID string) *machines.ActionResult {
	return f.result("GuestConsole:"+guestUUID, nil)
}

func (f *fakeAdapter) Guests() map[string]machines.GuestConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.state.Guests)
}

func (f *fakeAdapter) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAdapter) AdoptState(state engine.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeAdapter) SaveToStore() error {
	f.record("SaveToStore")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.SaveHostData(f.name, catalog.HostData{
		Config:        f.config,
		Statuses:      f.state.Statuses,
		Guests:        f.state.Guests,
		GuestStatuses: f.state.GuestStatuses,
		Tasks:         f.state.Tasks,
	})
}

func (f *fakeAdapter) ReloadFromStore() error {
	f.record("ReloadFromStore")
	data, err := f.store.LoadHostData(f.name, f.config)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = engine.State{
		Statuses:      data.Statuses,
		Guests:        data.Guests,
		GuestStatuses: data.GuestStatuses,
		Tasks:         data.Tasks,
	}
	if f.state.Guests == nil {
		f.state.Guests = map[string]machines.GuestConfig{}
	}
	return nil
}

type fakeFactory struct {
	log *callLog

	mu    sync.Mutex
	built []*fakeAdapter
	// Applied to the next adapter built, then cleared.
	nextInitErr   error
	nextLoaderErr error
}

func (ff *fakeFactory) build(hostName string, config machines.HostConfig, deps EngineDeps) engine.Adapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	adapter := &fakeAdapter{
		tag:       fmt.Sprintf("%s#%d", hostName, len(ff.built)),
		name:      hostName,
		config:    config,
		store:     deps.Store,
		log:       ff.log,
		initErr:   ff.nextInitErr,
		loaderErr: ff.nextLoaderErr,
		state:     engine.NewState(),
	}
	ff.nextInitErr = nil
	ff.nextLoaderErr = nil
	ff.built = append(ff.built, adapter)
	return adapter
}

const fakeEngineType = "FakeSetup"

// Registers a test engine in the registry tables and removes it again
// when the test ends.
func stubEngine(t *testing.T, factory Factory) {
	t.Helper()
	records[fakeEngineType] = engine.Record{
		Description:   "Test Engine",
		Enabled:       true,
		Platforms:     []string{"Linux"},
		Architectures: []string{"x86_64"},
	}
	factories[fakeEngineType] = factory
	t.Cleanup(func() {
		delete(records, fakeEngineType)
		delete(factories, fakeEngineType)
	})
}

type managerEnv struct {
	manager Manager
	store   catalog.Store
	mqtt    *testlibMQTT.MockClient
	factory *fakeFactory
}

func setupManager(t *testing.T) managerEnv {
	t.Helper()
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	store := catalog.NewStore(*dbEnv.DB)
	store.Init()

	factory := &fakeFactory{log: &callLog{}}
	stubEngine(t, factory.build)
	mock := &testlibMQTT.MockClient{}
	mgr := NewManager(conf.ManagerConfig{TickIntervalSeconds: 1}, EngineDeps{Store: store}, mock, Monitor{})
	return managerEnv{manager: mgr, store: store, mqtt: mock, factory: factory}
}

func fakeHostConfig(addr string) machines.HostConfig {
	return machines.HostConfig{
		ServerType: fakeEngineType,
		ServerAddr: addr,
		ServerUser: "admin",
		ServerPass: "secret",
		FilterName: "ecs_",
	}
}

func countOf(entries []string, want string) int {
	n := 0
	for _, entry := range entries {
		if entry == want {
			n++
		}
	}
	return n
}

func TestManagerSetBearer(t *testing.T) {
	env := setupManager(t)

	token, err := env.manager.SetBearer("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(token) != 16 {
		t.Errorf("expected a generated 16 char token, got %q", token)
	}
	if _, err := hex.DecodeString(token); err != nil {
		t.Errorf("expected a hex token, got %q", token)
	}
	global, err := env.store.Global()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if global.Bearer != token {
		t.Errorf("expected the token to be persisted, got %q", global.Bearer)
	}

	if _, err := env.manager.SetBearer("deadbeef00000000"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := env.manager.Bearer(); got != "deadbeef00000000" {
		t.Errorf("expected the explicit token to win, got %q", got)
	}
}

func TestManagerVerifyBearer(t *testing.T) {
	env := setupManager(t)

	if env.manager.VerifyBearer("") {
		t.Error("expected rejection before any token is set")
	}
	if _, err := env.manager.SetBearer("deadbeef00000000"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !env.manager.VerifyBearer("deadbeef00000000") {
		t.Error("expected the active token to verify")
	}
	if env.manager.VerifyBearer("deadbeef00000001") {
		t.Error("expected a wrong token to be rejected")
	}
	if env.manager.VerifyBearer("") {
		t.Error("expected an empty token to be rejected")
	}
}

func TestManagerAddHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	calls := env.factory.log.entries()
	want := []string{"node-1#0.Init", "node-1#0.HostCreate", "node-1#0.HostLoader", "node-1#0.SaveToStore"}
	if !slices.Equal(calls, want) {
		t.Errorf("expected calls %v, got %v", want, calls)
	}

	hosts := env.manager.Hosts()
	if len(hosts) != 1 || hosts[0].Name != "node-1" {
		t.Fatalf("expected node-1 to be registered, got %+v", hosts)
	}
	if hosts[0].ServerType != fakeEngineType {
		t.Errorf("expected server type %q, got %q", fakeEngineType, hosts[0].ServerType)
	}

	rows, err := env.store.Hosts()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "node-1" {
		t.Errorf("expected one persisted host row, got %+v", rows)
	}
	if !slices.Contains(env.mqtt.Published, "openidcs/hosts/added") {
		t.Errorf("expected a host added event, got %v", env.mqtt.Published)
	}
}

func TestManagerAddHostDuplicate(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.2:8697"))
	if !errors.Is(err, machines.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestManagerAddHostUnsupportedType(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	config := fakeHostConfig("10.0.0.1:8697")
	config.ServerType = "NoSuchSetup"
	if err := env.manager.AddHost(ctx, "node-1", config); !errors.Is(err, machines.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for an unknown type, got %v", err)
	}

	// Registered but not enabled.
	config.ServerType = "HyperVSetup"
	if err := env.manager.AddHost(ctx, "node-1", config); !errors.Is(err, machines.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for a disabled type, got %v", err)
	}
	if len(env.manager.Hosts()) != 0 {
		t.Error("expected no host to be registered")
	}
}

func TestManagerAddHostEmptyName(t *testing.T) {
	env := setupManager(t)
	if err := env.manager.AddHost(t.Context(), "", fakeHostConfig("10.0.0.1:8697")); !errors.Is(err, machines.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestManagerAddHostInitFailure(t *testing.T) {
	env := setupManager(t)
	env.factory.nextInitErr = errors.New("bad credentials")

	err := env.manager.AddHost(t.Context(), "node-1", fakeHostConfig("10.0.0.1:8697"))
	if err == nil || !strings.Contains(err.Error(), "bad credentials") {
		t.Fatalf("expected the init error to surface, got %v", err)
	}
	if len(env.manager.Hosts()) != 0 {
		t.Error("expected the host not to be registered")
	}
	rows, err := env.store.Hosts()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no persisted rows, got %+v", rows)
	}
}

func TestManagerAddHostSurvivesLoaderFailure(t *testing.T) {
	env := setupManager(t)
	env.factory.nextLoaderErr = errors.New("daemon missing")

	if err := env.manager.AddHost(t.Context(), "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected the host to be added regardless, got %v", err)
	}
	if len(env.manager.Hosts()) != 1 {
		t.Error("expected the host to be registered for a later power up")
	}
}

func TestManagerUpdateHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := env.manager.GuestCreate(ctx, "node-1", machines.GuestConfig{UUID: "ecs_1"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := env.manager.UpdateHost(ctx, "node-1", fakeHostConfig("10.0.0.9:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	host, err := env.manager.Host("node-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if host.ServerAddr != "10.0.0.9:8697" {
		t.Errorf("expected the new address, got %q", host.ServerAddr)
	}
	if host.GuestCount != 1 {
		t.Errorf("expected the guest to survive the update, got %d", host.GuestCount)
	}

	// The old backend goes down before the replacement comes up.
	calls := env.factory.log.entries()
	unload := slices.Index(calls, "node-1#0.HostUnload")
	load := slices.Index(calls, "node-1#1.HostLoader")
	if unload == -1 || load == -1 || unload > load {
		t.Errorf("expected unload of the old adapter before load of the new one, got %v", calls)
	}

	guests, err := env.manager.Guests("node-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := guests["ecs_1"]; !ok {
		t.Errorf("expected guest ecs_1 to be transplanted, got %v", guests)
	}
	if !slices.Contains(env.mqtt.Published, "openidcs/hosts/updated") {
		t.Errorf("expected a host updated event, got %v", env.mqtt.Published)
	}
}

func TestManagerUpdateHostUnknown(t *testing.T) {
	env := setupManager(t)
	err := env.manager.UpdateHost(t.Context(), "ghost", fakeHostConfig("10.0.0.1:8697"))
	if !errors.Is(err, machines.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "主机不存在") {
		t.Errorf("expected the operator facing message, got %q", err.Error())
	}
}

func TestManagerUpdateHostKeepsOldOnInitFailure(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	env.factory.nextInitErr = errors.New("unreachable")
	if err := env.manager.UpdateHost(ctx, "node-1", fakeHostConfig("10.0.0.9:8697")); err == nil {
		t.Fatal("expected the init error to surface")
	}

	host, err := env.manager.Host("node-1")
	if err != nil {
		t.Fatalf("expected the host to still exist, got %v", err)
	}
	if host.ServerAddr != "10.0.0.1:8697" {
		t.Errorf("expected the old configuration to stay active, got %q", host.ServerAddr)
	}
	if slices.Contains(env.factory.log.entries(), "node-1#0.HostUnload") {
		t.Error("expected the old backend to keep running")
	}
}

func TestManagerDeleteHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := env.manager.DeleteHost(ctx, "node-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := env.manager.Host("node-1"); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected the host to be gone, got %v", err)
	}
	rows, err := env.store.Hosts()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected the persisted row to be gone, got %+v", rows)
	}
	calls := env.factory.log.entries()
	if !slices.Contains(calls, "node-1#0.HostUnload") || !slices.Contains(calls, "node-1#0.HostDelete") {
		t.Errorf("expected unload and delete hooks to run, got %v", calls)
	}
	if !slices.Contains(env.mqtt.Published, "openidcs/hosts/deleted") {
		t.Errorf("expected a host deleted event, got %v", env.mqtt.Published)
	}

	if err := env.manager.DeleteHost(ctx, "node-1"); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected a second delete to report NotFound, got %v", err)
	}
}

func TestManagerPowerHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := env.manager.PowerHost(ctx, "node-1", false); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := env.manager.PowerHost(ctx, "node-1", true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	calls := env.factory.log.entries()
	// AddHost already loads once.
	if n := countOf(calls, "node-1#0.HostLoader"); n != 2 {
		t.Errorf("expected two loader calls, got %d in %v", n, calls)
	}
	if n := countOf(calls, "node-1#0.HostUnload"); n != 1 {
		t.Errorf("expected one unload call, got %d in %v", n, calls)
	}

	if _, err := env.manager.PowerHost(ctx, "ghost", true); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerScanHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	result, err := env.manager.ScanHost(ctx, "node-1", "ecs_")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}
	if !slices.Contains(env.factory.log.entries(), "node-1#0.GuestScan:ecs_") {
		t.Errorf("expected the scan to reach the adapter, got %v", env.factory.log.entries())
	}
}

func TestManagerHostStatus(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	status, err := env.manager.HostStatus(ctx, "node-1", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if status.AcStatus != machines.StateStarted {
		t.Errorf("expected a started sample, got %q", status.AcStatus)
	}
	if _, err := env.manager.HostStatus(ctx, "ghost", false); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerGuestCreateMintsUUID(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	result, err := env.manager.GuestCreate(ctx, "node-1", machines.GuestConfig{OSName: "Windows 10 x64"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	guests, err := env.manager.Guests("node-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(guests) != 1 {
		t.Fatalf("expected one guest, got %v", guests)
	}
	for id := range guests {
		if id == "" {
			t.Error("expected a minted uuid")
		}
	}
	if !slices.Contains(env.mqtt.Published, "openidcs/guests/created") {
		t.Errorf("expected a guest created event, got %v", env.mqtt.Published)
	}
}

func TestManagerGuestOpsUnknownHost(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if _, err := env.manager.GuestCreate(ctx, "ghost", machines.GuestConfig{}); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound from GuestCreate, got %v", err)
	}
	if _, err := env.manager.GuestPower(ctx, "ghost", "vm-1", machines.PowerStart); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound from GuestPower, got %v", err)
	}
	if _, err := env.manager.GuestStatus("ghost", ""); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound from GuestStatus, got %v", err)
	}
	if _, err := env.manager.GuestConsole(ctx, "ghost", "vm-1"); !errors.Is(err, machines.ErrNotFound) {
		t.Errorf("expected ErrNotFound from GuestConsole, got %v", err)
	}
}

func TestManagerStats(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	for _, name := range []string{"node-1", "node-2"} {
		if err := env.manager.AddHost(ctx, name, fakeHostConfig("10.0.0.1:8697")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	env.factory.built[0].AdoptState(engine.State{
		Guests: map[string]machines.GuestConfig{"vm-1": {}, "vm-2": {}},
		GuestStatuses: map[string][]machines.HWStatus{
			"vm-1": {machines.NewHWStatus(machines.StateStarted)},
			"vm-2": {machines.NewHWStatus(machines.StateStopped)},
		},
	})
	env.factory.built[1].AdoptState(engine.State{
		Guests:        map[string]machines.GuestConfig{"vm-3": {}},
		GuestStatuses: map[string][]machines.HWStatus{"vm-3": {}},
	})

	stats := env.manager.Stats()
	if stats.HostCount != 2 {
		t.Errorf("expected 2 hosts, got %d", stats.HostCount)
	}
	if stats.GuestCount != 3 {
		t.Errorf("expected 3 guests, got %d", stats.GuestCount)
	}
	if stats.RunningGuestCount != 1 {
		t.Errorf("expected 1 running guest, got %d", stats.RunningGuestCount)
	}
}

func TestManagerTick(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	for _, name := range []string{"node-1", "node-2"} {
		if err := env.manager.AddHost(ctx, name, fakeHostConfig("10.0.0.1:8697")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	env.manager.Tick(ctx)

	calls := env.factory.log.entries()
	for _, adapter := range env.factory.built {
		if countOf(calls, adapter.tag+".Crontab") != 1 {
			t.Errorf("expected one poll of %s, got %v", adapter.tag, calls)
		}
		// One save from AddHost, one from the tick.
		if countOf(calls, adapter.tag+".SaveToStore") != 2 {
			t.Errorf("expected the tick to persist %s, got %v", adapter.tag, calls)
		}
	}
	if !slices.Contains(env.mqtt.Published, "openidcs/manager/tick") {
		t.Errorf("expected a tick event, got %v", env.mqtt.Published)
	}
}

func TestManagerTickDropsOverlap(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	adapter := env.factory.built[0]
	adapter.crontabEntered = make(chan struct{}, 4)
	adapter.crontabRelease = make(chan struct{})

	done := make(chan struct{})
	go func() {
		env.manager.Tick(ctx)
		close(done)
	}()
	<-adapter.crontabEntered

	// Overlaps the blocked tick and must be dropped.
	env.manager.Tick(ctx)

	close(adapter.crontabRelease)
	<-done

	if n := countOf(env.factory.log.entries(), "node-1#0.Crontab"); n != 1 {
		t.Errorf("expected exactly one poll, got %d", n)
	}
}

func TestManagerSaveAllLoadAll(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := env.manager.GuestCreate(ctx, "node-1", machines.GuestConfig{UUID: "ecs_1"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := env.manager.SaveAll(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// A second manager over the same store picks everything up.
	restarted := NewManager(conf.ManagerConfig{}, EngineDeps{Store: env.store}, &testlibMQTT.MockClient{}, Monitor{})
	if err := restarted.LoadAll(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	host, err := restarted.Host("node-1")
	if err != nil {
		t.Fatalf("expected node-1 to be rebuilt, got %v", err)
	}
	if host.ServerAddr != "10.0.0.1:8697" {
		t.Errorf("expected the stored address, got %q", host.ServerAddr)
	}
	guests, err := restarted.Guests("node-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := guests["ecs_1"]; !ok {
		t.Errorf("expected guest ecs_1 to be restored, got %v", guests)
	}
}

func TestManagerLoadAllBootstrapsBearer(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	if err := env.manager.LoadAll(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	token := env.manager.Bearer()
	if len(token) != 16 {
		t.Fatalf("expected a generated 16 char token, got %q", token)
	}
	global, err := env.store.Global()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if global.Bearer != token {
		t.Errorf("expected the token to be persisted, got %q", global.Bearer)
	}

	// A later load keeps the persisted token.
	if err := env.manager.LoadAll(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.manager.Bearer() != token {
		t.Errorf("expected the token to be stable across loads, got %q", env.manager.Bearer())
	}
}

func TestManagerLoadAllSkipsBrokenHosts(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	// One good host and one row with an engine nobody provides.
	if err := env.manager.AddHost(ctx, "node-1", fakeHostConfig("10.0.0.1:8697")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	broken := fakeHostConfig("10.0.0.2:8697")
	broken.ServerType = "NoSuchSetup"
	row, err := catalog.NewHost("node-2", broken)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := env.store.PutHost(row); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := env.manager.LoadAll(ctx); err != nil {
		t.Fatalf("expected LoadAll to skip the broken row, got %v", err)
	}
	hosts := env.manager.Hosts()
	if len(hosts) != 1 || hosts[0].Name != "node-1" {
		t.Errorf("expected only node-1 to be rebuilt, got %+v", hosts)
	}
}

func TestManagerExitAll(t *testing.T) {
	env := setupManager(t)
	ctx := t.Context()

	for _, name := range []string{"node-1", "node-2"} {
		if err := env.manager.AddHost(ctx, name, fakeHostConfig("10.0.0.1:8697")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	env.manager.ExitAll(ctx)
	calls := env.factory.log.entries()
	for _, adapter := range env.factory.built {
		if countOf(calls, adapter.tag+".HostUnload") != 1 {
			t.Errorf("expected %s to be unloaded, got %v", adapter.tag, calls)
		}
	}
}

func TestManagerEngineTypes(t *testing.T) {
	env := setupManager(t)

	types := env.manager.EngineTypes()
	record, ok := types["VMWareSetup"]
	if !ok || !record.Enabled {
		t.Fatalf("expected the enabled workstation record, got %+v", types)
	}
	if hyperv, ok := types["HyperVSetup"]; !ok || hyperv.Enabled {
		t.Errorf("expected the disabled hyperv record, got %+v", hyperv)
	}

	// The returned map is a copy.
	delete(types, "VMWareSetup")
	if _, ok := env.manager.EngineTypes()["VMWareSetup"]; !ok {
		t.Error("expected the registry to be unaffected by caller mutation")
	}
}

func TestManagerLogs(t *testing.T) {
	env := setupManager(t)

	for i := range 3 {
		if err := env.store.AppendLog("node-1", fmt.Sprintf("line %d", i), "INFO"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	logs, err := env.manager.Logs("node-1", 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected the newest two lines, got %d", len(logs))
	}
	if logs[0].Data != "line 1" || logs[1].Data != "line 2" {
		t.Errorf("expected lines 1 and 2, got %q and %q", logs[0].Data, logs[1].Data)
	}
}
