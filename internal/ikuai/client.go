// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package ikuai programs DHCP reservations and NAT port forwards on an
// iKuai router through its web console API. The console wants a login
// first and a session cookie on every later call.
package ikuai

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // the console login protocol prescribes an md5 digest
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/open-idcs/openidcs/internal/machines"
)

const (
	// Result code of a successful login.
	resultOK = 10000

	// DNS servers handed to reserved leases when none are given.
	defaultDNS1 = "114.114.114.114"
	defaultDNS2 = "223.5.5.5"
)

// A reserved DHCP lease. Gateway and Interface default to "auto", the
// DNS servers to the package defaults.
type StaticLease struct {
	IPAddr    string
	MacAddr   string
	Hostname  string
	Gateway   string
	Interface string
	DNS1      string
	DNS2      string
	Comment   string
}

// Which lease to delete. The first set field wins, in the order ID,
// IPAddr, MacAddr.
type LeaseSelector struct {
	ID      int
	IPAddr  string
	MacAddr string
}

// A NAT port forward. Interface defaults to "wan1", Protocol to
// "tcp+udp". Ports are strings on the wire, ranges like "80-88" pass
// through unchanged.
type Forward struct {
	WanPort   string
	LanAddr   string
	LanPort   string
	Interface string
	Protocol  string
	SrcAddr   string
	Comment   string
}

// Which forward to delete: by ID when set, else by WanPort plus LanAddr.
type ForwardSelector struct {
	ID      int
	WanPort string
	LanAddr string
}

type Client interface {
	// Login authenticates against the console and retains the session.
	Login(ctx context.Context) error
	// Call runs one console function. Needs a prior Login.
	Call(ctx context.Context, funcName, action string, param map[string]any) (map[string]any, error)

	AddDHCP(ctx context.Context, lease StaticLease) error
	DelDHCP(ctx context.Context, selector LeaseSelector) error
	AddForward(ctx context.Context, forward Forward) error
	DelForward(ctx context.Context, selector ForwardSelector) error
}

type client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu      sync.RWMutex
	sessKey string
}

// NewClient builds a client for the console at baseURL, e.g.
// "http://192.168.4.251".
func NewClient(baseURL, username, password string) Client {
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Login posts the credentials. The password travels twice, digested and
// salted, the way the console's own web frontend sends it. The session
// key comes back as a cookie and is kept for later calls.
func (c *client) Login(ctx context.Context) error {
	digest := md5.Sum([]byte(c.password)) //nolint:gosec // prescribed by the protocol
	body := map[string]any{
		"username":          c.username,
		"passwd":            hex.EncodeToString(digest[:]),
		"pass":              "salt_11" + c.password,
		"remember_password": "",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encoding login: %s", machines.ErrBackend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Action/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: building login request: %s", machines.ErrBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %s", machines.ErrBackend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned status %d", machines.ErrBackend, resp.StatusCode)
	}
	var result struct {
		Result int    `json:"Result"`
		ErrMsg string `json:"ErrMsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: decoding login response: %s", machines.ErrBackend, err)
	}
	if result.Result != resultOK {
		return fmt.Errorf("%w: login rejected: %s", machines.ErrAuthFailed, result.ErrMsg)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "sess_key" && cookie.Value != "" {
			c.mu.Lock()
			c.sessKey = cookie.Value
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: login response carried no session key", machines.ErrAuthFailed)
}

// Call posts one console function call with the session cookie.
func (c *client) Call(ctx context.Context, funcName, action string, param map[string]any) (map[string]any, error) {
	c.mu.RLock()
	sessKey := c.sessKey
	c.mu.RUnlock()
	if sessKey == "" {
		return nil, fmt.Errorf("%w: not logged in", machines.ErrAuthFailed)
	}
	payload, err := json.Marshal(map[string]any{
		"func_name": funcName,
		"action":    action,
		"param":     param,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s.%s: %s", machines.ErrBackend, funcName, action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Action/call", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: building %s.%s request: %s", machines.ErrBackend, funcName, action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", fmt.Sprintf("sess_key=%s; username=%s; login=1", sessKey, c.username))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %s", machines.ErrBackend, funcName, action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s.%s returned status %d", machines.ErrBackend, funcName, action, resp.StatusCode)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding %s.%s response: %s", machines.ErrBackend, funcName, action, err)
	}
	return result, nil
}

// Run a mutating console function and translate its success flag.
func (c *client) mutate(ctx context.Context, funcName, action string, param map[string]any) error {
	result, err := c.Call(ctx, funcName, action, param)
	if err != nil {
		return err
	}
	if ok, _ := result["success"].(bool); !ok {
		msg, _ := result["ErrMsg"].(string)
		return fmt.Errorf("%w: %s.%s rejected: %s", machines.ErrBackend, funcName, action, msg)
	}
	return nil
}

// AddDHCP reserves a static lease.
func (c *client) AddDHCP(ctx context.Context, lease StaticLease) error {
	if lease.Gateway == "" {
		lease.Gateway = "auto"
	}
	if lease.Interface == "" {
		lease.Interface = "auto"
	}
	if lease.DNS1 == "" {
		lease.DNS1 = defaultDNS1
	}
	if lease.DNS2 == "" {
		lease.DNS2 = defaultDNS2
	}
	return c.mutate(ctx, "dhcp_static", "add", map[string]any{
		"newRow":    true,
		"hostname":  lease.Hostname,
		"ip_addr":   lease.IPAddr,
		"mac":       lease.MacAddr,
		"gateway":   lease.Gateway,
		"interface": lease.Interface,
		"dns1":      lease.DNS1,
		"dns2":      lease.DNS2,
		"comment":   lease.Comment,
		"enabled":   "yes",
	})
}

// DelDHCP removes a static lease.
func (c *client) DelDHCP(ctx context.Context, selector LeaseSelector) error {
	var param map[string]any
	switch {
	case selector.ID != 0:
		param = map[string]any{"id": selector.ID}
	case selector.IPAddr != "":
		param = map[string]any{"ip_addr": selector.IPAddr}
	case selector.MacAddr != "":
		param = map[string]any{"mac": selector.MacAddr}
	default:
		return fmt.Errorf("%w: lease selector carries no identifier", machines.ErrConfig)
	}
	return c.mutate(ctx, "dhcp_static", "del", param)
}

// AddForward publishes a NAT port forward.
func (c *client) AddForward(ctx context.Context, forward Forward) error {
	if forward.Interface == "" {
		forward.Interface = "wan1"
	}
	if forward.Protocol == "" {
		forward.Protocol = "tcp+udp"
	}
	return c.mutate(ctx, "dnat", "add", map[string]any{
		"enabled":   "yes",
		"comment":   forward.Comment,
		"interface": forward.Interface,
		"lan_addr":  forward.LanAddr,
		"protocol":  forward.Protocol,
		"wan_port":  forward.WanPort,
		"lan_port":  forward.LanPort,
		"src_addr":  forward.SrcAddr,
	})
}

// DelForward removes a NAT port forward.
func (c *client) DelForward(ctx context.Context, selector ForwardSelector) error {
	var param map[string]any
	switch {
	case selector.ID != 0:
		param = map[string]any{"id": selector.ID}
	case selector.WanPort != "" && selector.LanAddr != "":
		param = map[string]any{"wan_port": selector.WanPort, "lan_addr": selector.LanAddr}
	default:
		return fmt.Errorf("%w: forward selector carries no identifier", machines.ErrConfig)
	}
	return c.mutate(ctx, "dnat", "del", param)
}
