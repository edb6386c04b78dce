// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package workstation manages guests on a VMware Workstation host through
// the vmrest daemon shipped with the product. The controller runs on the
// host machine itself: guest directories, disk images and the daemon
// executable are reached through the local filesystem.
package workstation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/open-idcs/openidcs/internal/catalog"
	"github.com/open-idcs/openidcs/internal/engine"
	"github.com/open-idcs/openidcs/internal/ikuai"
	"github.com/open-idcs/openidcs/internal/machines"
	"github.com/open-idcs/openidcs/internal/probe"
	"github.com/open-idcs/openidcs/internal/vmrest"
)

const (
	// Executable the host loader spawns, relative to launch_path.
	daemonExe = "vmrest.exe"
	// First VNC display port when remote_port is not configured.
	defaultRemotePort = 5901
	// Samples kept per host before the oldest are evicted.
	defaultStatusRetention = 1440
)

// Gateway to the VNC console proxy. Mappings are registered per guest
// endpoint and reused when the endpoint is already known.
type ConsoleGateway interface {
	// Register host:port under the proposed token. Returns the token the
	// mapping ended up with, the pre-existing one when host:port is
	// already mapped.
	AddMapping(host string, port int, token string) (string, error)
	// The browser URL that reaches the mapping behind token.
	ConsoleURL(token string) string
}

// Collaborators of an adapter, shared across all adapters of a controller.
type Deps struct {
	Store   catalog.Store
	Prober  probe.Prober
	Gateway ConsoleGateway
	// Samples kept per host, the default when zero.
	StatusRetention int
}

// Adapter for one Workstation host. All operations serialize on an
// internal mutex, blocking backend and filesystem work included.
type adapter struct {
	hostName string
	config   machines.HostConfig

	client    vmrest.Client
	store     catalog.Store
	prober    probe.Prober
	gateway   ConsoleGateway
	retention int
	daemon    *daemon
	// Router session, built on first use for hosts with i_kuai_addr set.
	router ikuai.Client

	mu    sync.Mutex
	state engine.State
}

// NewAdapter builds the adapter for one host. Init must run before any
// other operation.
func NewAdapter(hostName string, config machines.HostConfig, deps Deps) engine.Adapter {
	retention := deps.StatusRetention
	if retention <= 0 {
		retention = defaultStatusRetention
	}
	return &adapter{
		hostName:  hostName,
		config:    config,
		client:    vmrest.NewClient(config.ServerAddr, config.ServerUser, config.ServerPass),
		store:     deps.Store,
		prober:    deps.Prober,
		gateway:   deps.Gateway,
		retention: retention,
		daemon:    newDaemon(filepath.Join(config.LaunchPath, daemonExe), config.LaunchPath),
		state:     engine.NewState(),
	}
}

// Init validates the host settings.
func (a *adapter) Init(ctx context.Context) error {
	if a.config.ServerAddr == "" {
		return fmt.Errorf("%w: server_addr is required", machines.ErrConfig)
	}
	return nil
}

func (a *adapter) HostConfig() machines.HostConfig {
	return a.config
}

// HostCreate prepares the backend for management. Workstation needs no
// provisioning, the operation only leaves its audit trail.
func (a *adapter) HostCreate(ctx context.Context) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audit(machines.Success("HSCreate", "OK"))
}

// HostDelete releases backend resources. Nothing is held on Workstation.
func (a *adapter) HostDelete(ctx context.Context) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audit(machines.Success("HSDelete", "OK"))
}

// HostAction runs an engine specific host action. None are defined for
// Workstation, every action reports success.
func (a *adapter) HostAction(ctx context.Context, action string) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	slog.Info("host action requested", "host", a.hostName, "action", action)
	return a.audit(machines.SuccessWith("HSAction", "OK", map[string]any{"action": action}))
}

// HostLoader starts the vmrest daemon from launch_path.
func (a *adapter) HostLoader(ctx context.Context) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.daemon.Start(); err != nil {
		return a.audit(machines.Failure("HSLoader", err.Error(), err))
	}
	return a.audit(machines.Success("HSLoader", "OK"))
}

// HostUnload stops the vmrest daemon.
func (a *adapter) HostUnload(ctx context.Context) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.daemon.Stop(); err != nil {
		return a.audit(machines.Failure("HSUnload", err.Error(), err))
	}
	return a.audit(machines.Success("HSUnload", "OK"))
}

// HostStatus returns the newest retained sample. With refresh, or when
// nothing is retained yet, a fresh sample is taken instead. Fresh samples
// taken here are not added to the retained series, that is the poll
// loop's job.
func (a *adapter) HostStatus(ctx context.Context, refresh bool) machines.HWStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if refresh || len(a.state.Statuses) == 0 {
		return a.prober.Sample(ctx)
	}
	return a.state.Statuses[len(a.state.Statuses)-1]
}

// Crontab is the periodic poll step: sample the host into the retained
// series and rebuild the guest state map from the backend inventory.
// Returns false when the backend could not be reached; the previous guest
// states are kept in that case.
func (a *adapter) Crontab(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	sample := a.prober.Sample(ctx)
	a.state.Statuses = append(a.state.Statuses, sample)
	if over := len(a.state.Statuses) - a.retention; over > 0 {
		a.state.Statuses = a.state.Statuses[over:]
	}

	vms, err := a.client.ListVMs(ctx)
	if err != nil {
		slog.Error("failed to list backend guests", "host", a.hostName, "error", err)
		return false
	}
	observed := map[string][]machines.HWStatus{}
	for _, vm := range vms {
		name := vmrest.PathStem(vm.Path)
		if a.config.FilterName != "" && !strings.HasPrefix(name, a.config.FilterName) {
			continue
		}
		state := machines.StateUnknown
		if raw, err := a.client.PowerState(ctx, vm.ID); err != nil {
			slog.Debug("failed to read guest power state",
				"host", a.hostName, "guest", name, "error", err)
		} else {
			state = vmrest.ObservedState(raw)
		}
		observed[name] = []machines.HWStatus{machines.NewHWStatus(state)}
	}
	a.state.GuestStatuses = observed
	return true
}

// GuestCreate provisions a new guest: definition file, cloned system
// disk and backend registration under {system_path}/{uuid}.
func (a *adapter) GuestCreate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.state.Guests[config.UUID]; ok {
		err := fmt.Errorf("%w: guest %q", machines.ErrAlreadyExists, config.UUID)
		return a.audit(machines.Failure("VMCreate", "虚拟机已存在", err))
	}
	config.Normalize()
	guestOS, ok := a.config.SystemMaps[config.OSName]
	if !ok {
		err := fmt.Errorf("%w: os_name %q has no system mapping", machines.ErrConfig, config.OSName)
		return a.audit(machines.Failure("VMCreate", err.Error(), err))
	}

	a.state.Guests[config.UUID] = config
	guestDir := filepath.Join(a.config.SystemPath, config.UUID)
	vmxPath := filepath.Join(guestDir, config.UUID+".vmx")
	if err := os.MkdirAll(guestDir, 0o755); err != nil {
		delete(a.state.Guests, config.UUID)
		err = fmt.Errorf("%w: creating %q: %s", machines.ErrFilesystem, guestDir, err)
		return a.audit(machines.Failure("VMCreate", err.Error(), err))
	}
	vmx := vmrest.BuildVMX(config, guestOS, a.allocateVNCPort())
	if err := os.WriteFile(vmxPath, []byte(vmx), 0o644); err != nil {
		delete(a.state.Guests, config.UUID)
		err = fmt.Errorf("%w: writing %q: %s", machines.ErrFilesystem, vmxPath, err)
		return a.audit(machines.Failure("VMCreate", err.Error(), err))
	}
	image := filepath.Join(a.config.ImagesPath, config.OSName+".vmdk")
	if err := copyFile(image, filepath.Join(guestDir, config.UUID+".vmdk")); err != nil {
		delete(a.state.Guests, config.UUID)
		err = fmt.Errorf("%w: cloning %q: %s", machines.ErrFilesystem, image, err)
		return a.audit(machines.Failure("VMCreate", err.Error(), err))
	}
	// Registration failures are tolerated, the backend reports a conflict
	// when the definition is already known from an earlier run.
	if _, err := a.client.Register(ctx, config.UUID, vmxPath); err != nil {
		slog.Warn("failed to register guest with the backend",
			"host", a.hostName, "guest", config.UUID, "error", err)
	}
	a.reserveGuestLeases(ctx, config.UUID, config.NicAll)
	a.persistGuests()
	return a.audit(machines.SuccessWith("VMCreate", "OK", map[string]any{"vm_uuid": config.UUID}))
}

// GuestUpdate replaces the definition of an existing guest. The guest is
// shut down, the definition file rewritten and the guest started again.
func (a *adapter) GuestUpdate(ctx context.Context, config machines.GuestConfig) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous, ok := a.state.Guests[config.UUID]
	if !ok {
		err := fmt.Errorf("%w: guest %q", machines.ErrNotFound, config.UUID)
		return a.audit(machines.Failure("VMUpdate", "虚拟机不存在", err))
	}
	config.Normalize()
	guestOS, ok := a.config.SystemMaps[config.OSName]
	if !ok {
		err := fmt.Errorf("%w: os_name %q has no system mapping", machines.ErrConfig, config.OSName)
		return a.audit(machines.Failure("VMUpdate", err.Error(), err))
	}

	// Power transitions around the rewrite are best effort, the guest may
	// simply not be running.
	a.powerByName(ctx, config.UUID, machines.PowerShutdown)
	a.state.Guests[config.UUID] = config
	port, ok := a.readVNCPort(config.UUID)
	if !ok {
		port = a.allocateVNCPort()
	}
	vmxPath := filepath.Join(a.config.SystemPath, config.UUID, config.UUID+".vmx")
	vmx := vmrest.BuildVMX(config, guestOS, port)
	if err := os.WriteFile(vmxPath, []byte(vmx), 0o644); err != nil {
		err = fmt.Errorf("%w: writing %q: %s", machines.ErrFilesystem, vmxPath, err)
		return a.audit(machines.Failure("VMUpdate", err.Error(), err))
	}
	a.powerByName(ctx, config.UUID, machines.PowerStart)
	a.releaseGuestLeases(ctx, config.UUID, nicDiff(previous, config))
	a.reserveGuestLeases(ctx, config.UUID, nicDiff(config, previous))
	a.persistGuests()
	return a.audit(machines.SuccessWith("VMUpdate", "OK", map[string]any{"vm_uuid": config.UUID}))
}

// GuestDelete unregisters the guest from the backend and removes its
// directory. The result reflects the backend call alone, a leftover
// directory is only logged.
func (a *adapter) GuestDelete(ctx context.Context, uuid string) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.client.ResolveID(ctx, uuid)
	if err != nil {
		return a.audit(machines.Failure("VMDelete", err.Error(), err))
	}
	if id == "" {
		err := fmt.Errorf("%w: guest %q", machines.ErrNotFound, uuid)
		return a.audit(machines.Failure("VMDelete", "虚拟机不存在", err))
	}
	if err := a.client.Unregister(ctx, id); err != nil {
		return a.audit(machines.Failure("VMDelete", err.Error(), err))
	}
	if err := os.RemoveAll(filepath.Join(a.config.SystemPath, uuid)); err != nil {
		slog.Warn("failed to remove guest directory",
			"host", a.hostName, "guest", uuid, "error", err)
	}
	a.releaseGuestLeases(ctx, uuid, a.state.Guests[uuid].NicAll)
	delete(a.state.Guests, uuid)
	delete(a.state.GuestStatuses, uuid)
	a.persistGuests()
	a.persistGuestStatuses()
	return a.audit(machines.SuccessWith("VMDelete", "OK", map[string]any{"vm_uuid": uuid}))
}

// GuestPower applies a power transition command to a guest.
func (a *adapter) GuestPower(ctx context.Context, uuid string, power machines.PowerState) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	op, ok := vmrest.PowerOp(power)
	if !ok {
		err := fmt.Errorf("%w: power command %q", machines.ErrUnsupported, power)
		return a.audit(machines.Failure("VMPowers", err.Error(), err))
	}
	id, err := a.client.ResolveID(ctx, uuid)
	if err != nil {
		return a.audit(machines.Failure("VMPowers", err.Error(), err))
	}
	if id == "" {
		err := fmt.Errorf("%w: guest %q", machines.ErrNotFound, uuid)
		return a.audit(machines.Failure("VMPowers", "虚拟机不存在", err))
	}
	state, err := a.client.SetPowerState(ctx, id, op, a.config.ServerPass)
	if err != nil {
		return a.audit(machines.Failure("VMPowers", err.Error(), err))
	}
	return a.audit(machines.SuccessWith("VMPowers", "OK", map[string]any{"power_state": state}))
}

// Best effort power transition during other operations.
func (a *adapter) powerByName(ctx context.Context, uuid string, power machines.PowerState) {
	op, _ := vmrest.PowerOp(power)
	id, err := a.client.ResolveID(ctx, uuid)
	if err != nil || id == "" {
		slog.Debug("skipping power transition, guest not resolvable",
			"host", a.hostName, "guest", uuid, "error", err)
		return
	}
	if _, err := a.client.SetPowerState(ctx, id, op, a.config.ServerPass); err != nil {
		slog.Debug("power transition failed",
			"host", a.hostName, "guest", uuid, "op", op, "error", err)
	}
}

// The router session of the host, logging in on first use. Hosts without
// router credentials return nil. A failed login is retried on the next
// operation that needs the session.
func (a *adapter) routerSession(ctx context.Context) ikuai.Client {
	if a.config.IKuaiAddr == "" {
		return nil
	}
	if a.router == nil {
		base := a.config.IKuaiAddr
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		router := ikuai.NewClient(base, a.config.IKuaiUser, a.config.IKuaiPass)
		if err := router.Login(ctx); err != nil {
			slog.Warn("router login failed", "host", a.hostName, "error", err)
			return nil
		}
		a.router = router
	}
	return a.router
}

// Program a static lease for every interface with an IPv4 address, so
// the guest keeps its address across reboots. Router failures leave the
// guest usable and are only logged.
func (a *adapter) reserveGuestLeases(ctx context.Context, uuid string, nics map[string]machines.NICConfig) {
	router := a.routerSession(ctx)
	if router == nil {
		return
	}
	for _, nic := range nics {
		if nic.IP4Addr == "" {
			continue
		}
		lease := ikuai.StaticLease{
			IPAddr:   nic.IP4Addr,
			MacAddr:  nic.MacAddr,
			Hostname: uuid,
			Comment:  a.hostName,
		}
		if err := router.AddDHCP(ctx, lease); err != nil {
			slog.Warn("failed to reserve guest lease",
				"host", a.hostName, "guest", uuid, "ip", nic.IP4Addr, "error", err)
		}
	}
}

// Drop the static leases of the given interfaces.
func (a *adapter) releaseGuestLeases(ctx context.Context, uuid string, nics map[string]machines.NICConfig) {
	router := a.routerSession(ctx)
	if router == nil {
		return
	}
	for _, nic := range nics {
		if nic.IP4Addr == "" {
			continue
		}
		if err := router.DelDHCP(ctx, ikuai.LeaseSelector{IPAddr: nic.IP4Addr}); err != nil {
			slog.Warn("failed to release guest lease",
				"host", a.hostName, "guest", uuid, "ip", nic.IP4Addr, "error", err)
		}
	}
}

// Interfaces of from whose IPv4 address does not appear in to.
func nicDiff(from, to machines.GuestConfig) map[string]machines.NICConfig {
	taken := map[string]bool{}
	for _, nic := range to.NicAll {
		taken[nic.IP4Addr] = true
	}
	diff := map[string]machines.NICConfig{}
	for name, nic := range from.NicAll {
		if nic.IP4Addr != "" && !taken[nic.IP4Addr] {
			diff[name] = nic
		}
	}
	return diff
}

// GuestInstall would run an in-guest provisioning step. Workstation has
// no agent channel for it.
func (a *adapter) GuestInstall(ctx context.Context, uuid string) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := fmt.Errorf("%w: guest install is not available on this engine", machines.ErrUnsupported)
	return a.audit(machines.Failure("VInstall", err.Error(), err))
}

// GuestScan adopts guests that exist on the backend but are unknown to
// the controller. An empty prefix falls back to the host's filter_name.
// Adopted guests start with an empty config carrying only the name.
func (a *adapter) GuestScan(ctx context.Context, prefix string) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prefix == "" {
		prefix = a.config.FilterName
	}
	vms, err := a.client.ListVMs(ctx)
	if err != nil {
		return a.audit(machines.Failure("VMScan", err.Error(), err))
	}
	scanned, added := 0, 0
	for _, vm := range vms {
		name := vmrest.PathStem(vm.Path)
		if name == "" || (prefix != "" && !strings.HasPrefix(name, prefix)) {
			continue
		}
		scanned++
		if _, ok := a.state.Guests[name]; ok {
			continue
		}
		a.state.Guests[name] = machines.GuestConfig{UUID: name}
		a.state.GuestStatuses[name] = []machines.HWStatus{}
		added++
	}
	if added > 0 {
		a.persistGuests()
		a.persistGuestStatuses()
	}
	return a.audit(machines.SuccessWith("VMScan", "OK", map[string]any{
		"scanned":       scanned,
		"added":         added,
		"prefix_filter": prefix,
	}))
}

// GuestStatus returns the retained samples of one guest, or of all guests
// when the selector is empty. An unknown selector yields a single unknown
// power sample under the selector's key.
func (a *adapter) GuestStatus(selector string) map[string][]machines.HWStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	if selector != "" {
		samples, ok := a.state.GuestStatuses[selector]
		if !ok {
			return map[string][]machines.HWStatus{
				selector: {machines.NewHWStatus(machines.StateUnknown)},
			}
		}
		return map[string][]machines.HWStatus{selector: slices.Clone(samples)}
	}
	all := make(map[string][]machines.HWStatus, len(a.state.GuestStatuses))
	for name, samples := range a.state.GuestStatuses {
		all[name] = slices.Clone(samples)
	}
	return all
}

// GuestConsole registers the guest's VNC endpoint with the console
// gateway and returns the browser URL for it.
func (a *adapter) GuestConsole(ctx context.Context, uuid string) *machines.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.state.Guests[uuid]; !ok {
		err := fmt.Errorf("%w: guest %q", machines.ErrNotFound, uuid)
		return a.audit(machines.Failure("VConsole", "虚拟机不存在", err))
	}
	token, err := a.gateway.AddMapping(a.consoleHost(), a.vncPort(uuid), newConsoleToken())
	if err != nil {
		return a.audit(machines.Failure("VConsole", err.Error(), err))
	}
	return a.audit(machines.SuccessWith("VConsole", "OK", map[string]any{
		"console_url": a.gateway.ConsoleURL(token),
		"token":       token,
	}))
}

func (a *adapter) Guests() map[string]machines.GuestConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.state.Guests)
}

// State returns a copy of the runtime state, for transplanting into a
// replacement adapter.
func (a *adapter) State() engine.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := engine.State{
		Statuses:      slices.Clone(a.state.Statuses),
		Guests:        maps.Clone(a.state.Guests),
		GuestStatuses: make(map[string][]machines.HWStatus, len(a.state.GuestStatuses)),
		Tasks:         slices.Clone(a.state.Tasks),
	}
	for name, samples := range a.state.GuestStatuses {
		state.GuestStatuses[name] = slices.Clone(samples)
	}
	return state
}

// AdoptState replaces the runtime state, keeping the collections usable
// when the source left some of them nil.
func (a *adapter) AdoptState(state engine.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state.Guests == nil {
		state.Guests = map[string]machines.GuestConfig{}
	}
	if state.GuestStatuses == nil {
		state.GuestStatuses = map[string][]machines.HWStatus{}
	}
	a.state = state
}

// SaveToStore writes the full host snapshot to the catalog.
func (a *adapter) SaveToStore() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.SaveHostData(a.hostName, catalog.HostData{
		Config:        a.config,
		Statuses:      a.state.Statuses,
		Guests:        a.state.Guests,
		GuestStatuses: a.state.GuestStatuses,
		Tasks:         a.state.Tasks,
	})
}

// ReloadFromStore replaces the runtime state with the catalog snapshot.
func (a *adapter) ReloadFromStore() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.store.LoadHostData(a.hostName, a.config)
	if err != nil {
		return err
	}
	if data.Guests == nil {
		data.Guests = map[string]machines.GuestConfig{}
	}
	if data.GuestStatuses == nil {
		data.GuestStatuses = map[string][]machines.HWStatus{}
	}
	a.state = engine.State{
		Statuses:      data.Statuses,
		Guests:        data.Guests,
		GuestStatuses: data.GuestStatuses,
		Tasks:         data.Tasks,
	}
	return nil
}

// First VNC display port of the host.
func (a *adapter) basePort() int {
	if a.config.RemotePort > 0 {
		return a.config.RemotePort
	}
	return defaultRemotePort
}

// The display port recorded in a guest's definition file. Guests adopted
// from the backend keep their definitions outside system_path and report
// false, as does a definition without a display block.
func (a *adapter) readVNCPort(uuid string) (int, bool) {
	raw, err := os.ReadFile(filepath.Join(a.config.SystemPath, uuid, uuid+".vmx"))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "RemoteDisplay.vnc.port" {
			continue
		}
		port, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil {
			return 0, false
		}
		return port, true
	}
	return 0, false
}

// The display port for a new definition: the first port from remote_port
// upwards that no other definition file claims. Ports written to a
// definition never move, deleting a guest releases its port for reuse.
func (a *adapter) allocateVNCPort() int {
	used := make(map[int]bool, len(a.state.Guests))
	for uuid := range a.state.Guests {
		if port, ok := a.readVNCPort(uuid); ok {
			used[port] = true
		}
	}
	for port := a.basePort(); ; port++ {
		if !used[port] {
			return port
		}
	}
}

// The display port a guest's console connects to, read back from its
// definition file. Guests without a readable definition fall back to the
// host's first display port.
func (a *adapter) vncPort(uuid string) int {
	if port, ok := a.readVNCPort(uuid); ok {
		return port
	}
	return a.basePort()
}

// The address the host's VNC displays listen on, without the control
// endpoint's port.
func (a *adapter) consoleHost() string {
	if host, _, err := net.SplitHostPort(a.config.ServerAddr); err == nil {
		return host
	}
	return a.config.ServerAddr
}

// Proposed token for a new console mapping. The gateway keeps the first
// token an endpoint was registered under.
func newConsoleToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Audit records the outcome of an operation: a log line in the catalog
// and a task entry in the runtime state. Returns the result unchanged so
// operations can end with it.
func (a *adapter) audit(result machines.ActionResult) *machines.ActionResult {
	level := "INFO"
	if !result.Success {
		level = "ERROR"
	}
	line, err := json.Marshal(result)
	if err != nil {
		line = []byte(result.Actions + ": " + result.Message)
	}
	if err := a.store.AppendLog(a.hostName, string(line), level); err != nil {
		slog.Error("failed to append audit log", "host", a.hostName, "error", err)
	}
	a.state.Tasks = append(a.state.Tasks, machines.Task{
		Process: map[string]any{"actions": result.Actions, "message": result.Message},
		Success: result.Success,
		Results: len(result.Results),
		Message: &result,
	})
	return &result
}

func (a *adapter) persistGuests() {
	if err := a.store.ReplaceGuests(a.hostName, a.state.Guests); err != nil {
		slog.Error("failed to persist guest configs", "host", a.hostName, "error", err)
	}
}

func (a *adapter) persistGuestStatuses() {
	if err := a.store.ReplaceGuestStatuses(a.hostName, a.state.GuestStatuses); err != nil {
		slog.Error("failed to persist guest statuses", "host", a.hostName, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
