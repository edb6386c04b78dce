// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmrest speaks the REST dialect of the VMware Workstation daemon
// and generates the vmx definitions the daemon registers.
package vmrest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-idcs/openidcs/internal/machines"
)

// Content type the daemon requires on every request.
const contentType = "application/vnd.vmware.vmw.rest-v1+json"

// One inventory entry of the daemon.
type VM struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Settings of a registered guest.
type Settings struct {
	ID     string `json:"id"`
	CPU    CPU    `json:"cpu"`
	Memory int    `json:"memory"`
}

type CPU struct {
	Processors int `json:"processors"`
}

// Settings accepted by the daemon on update.
type UpdateParams struct {
	Processors int `json:"processors"`
	Memory     int `json:"memory"`
}

// One virtual network of the daemon.
type Network struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	DHCP   string `json:"dhcp"`
	Subnet string `json:"subnet"`
	Mask   string `json:"mask"`
}

type Client interface {
	// All guests registered with the daemon.
	ListVMs(ctx context.Context) ([]VM, error)
	// Register the vmx file at the given path under the given name.
	Register(ctx context.Context, name, path string) (VM, error)
	// Drop a guest from the daemon by its id.
	Unregister(ctx context.Context, id string) error
	// Settings of one guest.
	GetSettings(ctx context.Context, id string) (Settings, error)
	// Update cpu and memory of one guest.
	UpdateSettings(ctx context.Context, id string, params UpdateParams) (Settings, error)
	// Raw power state of one guest as reported by the daemon.
	PowerState(ctx context.Context, id string) (string, error)
	// Issue a power operation. The password is forwarded as vmPassword
	// for encrypted guests when set.
	SetPowerState(ctx context.Context, id, op, password string) (string, error)
	// All virtual networks of the daemon.
	ListNetworks(ctx context.Context) ([]Network, error)
	// ResolveID scans the inventory for a guest whose path contains the
	// name or whose file stem equals it. An empty id with a nil error
	// means the guest is not registered.
	ResolveID(ctx context.Context, name string) (string, error)
}

type client struct {
	addr string
	user string
	pass string
	http *http.Client
}

func NewClient(addr, user, pass string) Client {
	return &client{
		addr: addr,
		user: user,
		pass: pass,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	urlStr := "http://" + c.addr + "/api" + path
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %s", machines.ErrBackend, method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response of %s %s: %s", machines.ErrBackend, method, path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s returned %d: %s", machines.ErrBackend, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decoding response of %s %s: %s", machines.ErrBackend, method, path, err)
	}
	return nil
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, method, path, strings.NewReader(string(data)), out)
}

func (c *client) ListVMs(ctx context.Context) ([]VM, error) {
	var vms []VM
	if err := c.do(ctx, http.MethodGet, "/vms", nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (c *client) Register(ctx context.Context, name, path string) (VM, error) {
	body := struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}{Name: name, Path: path}
	var vm VM
	if err := c.doJSON(ctx, http.MethodPost, "/vms/registration", body, &vm); err != nil {
		return VM{}, err
	}
	return vm, nil
}

func (c *client) Unregister(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/vms/"+id, nil, nil)
}

func (c *client) GetSettings(ctx context.Context, id string) (Settings, error) {
	var settings Settings
	if err := c.do(ctx, http.MethodGet, "/vms/"+id, nil, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (c *client) UpdateSettings(ctx context.Context, id string, params UpdateParams) (Settings, error) {
	var settings Settings
	if err := c.doJSON(ctx, http.MethodPut, "/vms/"+id, params, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

type powerResponse struct {
	PowerState string `json:"power_state"`
}

func (c *client) PowerState(ctx context.Context, id string) (string, error) {
	var resp powerResponse
	if err := c.do(ctx, http.MethodGet, "/vms/"+id+"/power", nil, &resp); err != nil {
		return "", err
	}
	return resp.PowerState, nil
}

// The body of the power endpoint is the bare operation string, not json.
func (c *client) SetPowerState(ctx context.Context, id, op, password string) (string, error) {
	path := "/vms/" + id + "/power"
	if password != "" {
		path += "?vmPassword=" + url.QueryEscape(password)
	}
	var resp powerResponse
	if err := c.do(ctx, http.MethodPut, path, strings.NewReader(op), &resp); err != nil {
		return "", err
	}
	return resp.PowerState, nil
}

func (c *client) ListNetworks(ctx context.Context) ([]Network, error) {
	var resp struct {
		Num    int       `json:"num"`
		Vmnets []Network `json:"vmnets"`
	}
	if err := c.do(ctx, http.MethodGet, "/vmnet", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Vmnets, nil
}

func (c *client) ResolveID(ctx context.Context, name string) (string, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return "", err
	}
	for _, vm := range vms {
		if strings.Contains(vm.Path, name) {
			return vm.ID, nil
		}
		if PathStem(vm.Path) == name {
			return vm.ID, nil
		}
	}
	return "", nil
}

// PathStem returns the file name of a path without its extension. The
// daemon reports Windows paths, so both separator styles are handled.
func PathStem(path string) string {
	stem := path
	if i := strings.LastIndexAny(stem, `/\`); i >= 0 {
		stem = stem[i+1:]
	}
	if i := strings.LastIndex(stem, "."); i >= 0 {
		stem = stem[:i]
	}
	return stem
}

// Wire values of the power endpoint per requested power command.
var powerOps = map[machines.PowerState]string{
	machines.PowerStart:     "on",
	machines.PowerShutdown:  "shutdown",
	machines.PowerReset:     "reset",
	machines.PowerOff:       "off",
	machines.PowerResetHard: "reset",
	machines.PowerPause:     "pause",
	machines.PowerResume:    "unpause",
}

// PowerOp maps a power command onto the daemon's operation string.
func PowerOp(state machines.PowerState) (string, bool) {
	op, ok := powerOps[state]
	return op, ok
}

// ObservedState maps a power_state reported by the daemon onto the
// controller's power states.
func ObservedState(raw string) machines.PowerState {
	switch raw {
	case "poweredOn":
		return machines.StateStarted
	case "poweredOff":
		return machines.StateStopped
	case "suspended", "paused":
		return machines.StateSuspend
	default:
		return machines.StateUnknown
	}
}
