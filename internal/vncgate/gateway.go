// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package vncgate serves browser VNC consoles. It keeps a token table
// mapping opaque access tokens to guest VNC endpoints, persists it to a
// websockify compatible config file and relays WebSocket traffic from
// the noVNC page to the mapped TCP endpoint.
package vncgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/open-idcs/openidcs/internal/machines"
)

const (
	// File the token table is persisted to, under the saving root.
	configName = "websockify.cfg"

	dialTimeout = 10 * time.Second
	// Read buffer of the TCP to WebSocket pump.
	relayBufferSize = 32 * 1024
)

type Gateway interface {
	// AddMapping registers host:port under the proposed token. When the
	// endpoint is already mapped its existing token is returned and the
	// proposed one is ignored.
	AddMapping(host string, port int, token string) (string, error)
	// DeleteMapping drops a token. Unknown tokens are a no-op.
	DeleteMapping(token string) error
	// Mappings returns a copy of the token table.
	Mappings() map[string]string
	// ConsoleURL is the externally reachable join URL for a token.
	ConsoleURL(token string) string

	// Start brings the gateway endpoint up. It terminates together with
	// the given context.
	Start(ctx context.Context) error
	// Stop tears the endpoint and all live relays down.
	Stop() error
}

type gateway struct {
	publicHost string
	webPort    int
	webRoot    string
	cfgPath    string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	mappings map[string]string
	server   *http.Server
	listener net.Listener
	relays   map[*relay]struct{}
}

// New loads the persisted token table from {savingRoot}/websockify.cfg
// and returns a stopped gateway. publicHost is the address operators
// reach the controller on, webRoot the directory with the noVNC assets.
func New(publicHost string, webPort int, webRoot, savingRoot string) (Gateway, error) {
	g := &gateway{
		publicHost: publicHost,
		webPort:    webPort,
		webRoot:    webRoot,
		cfgPath:    filepath.Join(savingRoot, configName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"binary"},
			// The console page may be served from a different origin
			// than the gateway endpoint.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mappings: map[string]string{},
		relays:   map[*relay]struct{}{},
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

// Read the token table back from disk. A missing file means no mappings.
func (g *gateway) load() error {
	raw, err := os.ReadFile(g.cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading %q: %s", machines.ErrFilesystem, g.cfgPath, err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		token, target, ok := strings.Cut(line, ": ")
		if !ok {
			slog.Warn("skipping malformed console mapping", "line", line)
			continue
		}
		g.mappings[token] = target
	}
	return nil
}

// Write the token table, one "token: host:port" line per mapping.
func (g *gateway) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(g.cfgPath), 0o755); err != nil {
		return fmt.Errorf("%w: creating %q: %s", machines.ErrFilesystem, filepath.Dir(g.cfgPath), err)
	}
	var b strings.Builder
	for _, token := range slices.Sorted(maps.Keys(g.mappings)) {
		b.WriteString(token + ": " + g.mappings[token] + "\n")
	}
	if err := os.WriteFile(g.cfgPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("%w: writing %q: %s", machines.ErrFilesystem, g.cfgPath, err)
	}
	return nil
}

func (g *gateway) AddMapping(host string, port int, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty console token", machines.ErrConfig)
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	g.mu.Lock()
	defer g.mu.Unlock()
	for existing, mapped := range g.mappings {
		if mapped == target {
			return existing, nil
		}
	}
	if _, taken := g.mappings[token]; taken {
		return "", fmt.Errorf("%w: console token %q", machines.ErrAlreadyExists, token)
	}
	g.mappings[token] = target
	if err := g.persistLocked(); err != nil {
		delete(g.mappings, token)
		return "", err
	}
	return token, nil
}

func (g *gateway) DeleteMapping(token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.mappings[token]; !ok {
		return nil
	}
	delete(g.mappings, token)
	return g.persistLocked()
}

func (g *gateway) Mappings() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.mappings)
}

func (g *gateway) ConsoleURL(token string) string {
	return fmt.Sprintf("http://%s:%d/vnc.html?host=%s&port=%d&path=websockify?token=%s",
		g.publicHost, g.webPort, g.publicHost, g.webPort, token)
}

// The gateway's HTTP surface: the WebSocket endpoint plus the static
// console assets when the web root exists.
func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /websockify", g.serveWebsocket)
	if g.webRoot != "" {
		if _, err := os.Stat(g.webRoot); err == nil {
			mux.Handle("GET /", http.FileServer(http.Dir(g.webRoot)))
		} else {
			slog.Warn("console assets not found, serving the relay only", "path", g.webRoot)
		}
	}
	return mux
}

func (g *gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.server != nil {
		g.mu.Unlock()
		return nil
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", g.webPort))
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: console gateway listen: %s", machines.ErrBackend, err)
	}
	server := &http.Server{
		Handler:           g.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.server = server
	g.listener = listener
	g.mu.Unlock()

	slog.Info("console gateway listening", "address", listener.Addr().String())
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("console gateway failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := g.Stop(); err != nil {
			slog.Error("failed to stop the console gateway", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every live relay. Safe to call twice and
// on a gateway that never started.
func (g *gateway) Stop() error {
	g.mu.Lock()
	server := g.server
	g.server = nil
	g.listener = nil
	open := slices.Collect(maps.Keys(g.relays))
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	// Relay connections are hijacked and outlive server.Close.
	for _, r := range open {
		r.Close()
	}
	return server.Close()
}

// One live console session: the operator's WebSocket and the guest's
// VNC socket.
type relay struct {
	ws  *websocket.Conn
	tcp net.Conn
}

func (r *relay) Close() {
	r.ws.Close()  //nolint:errcheck // teardown path
	r.tcp.Close() //nolint:errcheck // teardown path
}

func (g *gateway) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	g.mu.Lock()
	target, known := g.mappings[token]
	g.mu.Unlock()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("console upgrade failed", "error", err)
		return
	}
	if !known {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown token")
		ws.WriteMessage(websocket.CloseMessage, msg) //nolint:errcheck // best effort notice
		ws.Close()                                   //nolint:errcheck
		slog.Info("rejected console session", "token", token)
		return
	}
	tcp, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		slog.Error("failed to reach console target", "target", target, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "target unreachable")
		ws.WriteMessage(websocket.CloseMessage, msg) //nolint:errcheck // best effort notice
		ws.Close()                                   //nolint:errcheck
		return
	}

	session := &relay{ws: ws, tcp: tcp}
	g.mu.Lock()
	g.relays[session] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.relays, session)
		g.mu.Unlock()
	}()
	slog.Info("console session opened", "target", target)
	session.run()
	slog.Info("console session closed", "target", target)
}

// Pump frames both ways until either side closes. Each direction closes
// the opposite socket on exit, which unblocks the other pump.
func (r *relay) run() {
	var wg sync.WaitGroup
	wg.Go(func() {
		defer r.tcp.Close()
		for {
			_, data, err := r.ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := r.tcp.Write(data); err != nil {
				return
			}
		}
	})
	wg.Go(func() {
		defer r.ws.Close()
		buf := make([]byte, relayBufferSize)
		for {
			n, err := r.tcp.Read(buf)
			if n > 0 {
				if werr := r.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					slog.Debug("console target read failed", "error", err)
				}
				return
			}
		}
	})
	wg.Wait()
}
