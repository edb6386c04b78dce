// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package vncgate

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/open-idcs/openidcs/internal/machines"
)

func newGateway(t *testing.T) (*gateway, string) {
	t.Helper()
	savingRoot := t.TempDir()
	g, err := New("203.0.113.7", 6090, "", savingRoot)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return g.(*gateway), savingRoot
}

// A TCP server that echoes everything back, standing in for a VNC display.
func echoServer(t *testing.T) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn) //nolint:errcheck // echo until closed
				conn.Close()
			}()
		}
	}()
	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return host, port
}

func TestGatewayAddMappingReusesToken(t *testing.T) {
	g, _ := newGateway(t)

	token, err := g.AddMapping("127.0.0.1", 5901, "tok-a")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "tok-a" {
		t.Errorf("expected the proposed token, got %q", token)
	}

	// The same endpoint keeps its token, the new proposal is dropped.
	token, err = g.AddMapping("127.0.0.1", 5901, "tok-b")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "tok-a" {
		t.Errorf("expected the pre-existing token, got %q", token)
	}
	if len(g.Mappings()) != 1 {
		t.Errorf("expected a single mapping, got %v", g.Mappings())
	}

	// A different endpoint under a taken token is refused.
	if _, err := g.AddMapping("127.0.0.1", 5902, "tok-a"); !errors.Is(err, machines.ErrAlreadyExists) {
		t.Errorf("expected an already exists error, got %v", err)
	}
	if _, err := g.AddMapping("127.0.0.1", 5902, ""); !errors.Is(err, machines.ErrConfig) {
		t.Errorf("expected a config error for an empty token, got %v", err)
	}
}

func TestGatewayPersistence(t *testing.T) {
	g, savingRoot := newGateway(t)
	if _, err := g.AddMapping("127.0.0.1", 5901, "tok-a"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := g.AddMapping("127.0.0.1", 5902, "tok-b"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(savingRoot, configName))
	if err != nil {
		t.Fatalf("expected the config file, got %v", err)
	}
	want := "tok-a: 127.0.0.1:5901\ntok-b: 127.0.0.1:5902\n"
	if string(raw) != want {
		t.Errorf("expected %q, got %q", want, raw)
	}

	// A fresh gateway picks the table up again.
	reloaded, err := New("203.0.113.7", 6090, "", savingRoot)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	mappings := reloaded.Mappings()
	if len(mappings) != 2 || mappings["tok-a"] != "127.0.0.1:5901" || mappings["tok-b"] != "127.0.0.1:5902" {
		t.Errorf("expected the persisted table, got %v", mappings)
	}
}

func TestGatewayDeleteMapping(t *testing.T) {
	g, savingRoot := newGateway(t)
	if _, err := g.AddMapping("127.0.0.1", 5901, "tok-a"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := g.DeleteMapping("tok-a"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(g.Mappings()) != 0 {
		t.Errorf("expected no mappings, got %v", g.Mappings())
	}
	raw, err := os.ReadFile(filepath.Join(savingRoot, configName))
	if err != nil {
		t.Fatalf("expected the config file, got %v", err)
	}
	if string(raw) != "" {
		t.Errorf("expected an empty config file, got %q", raw)
	}

	// Unknown tokens are ignored.
	if err := g.DeleteMapping("tok-z"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestGatewayConsoleURL(t *testing.T) {
	g, _ := newGateway(t)

	want := "http://203.0.113.7:6090/vnc.html?host=203.0.113.7&port=6090&path=websockify?token=tok-a"
	if got := g.ConsoleURL("tok-a"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestGatewayRelay(t *testing.T) {
	g, _ := newGateway(t)
	host, port := echoServer(t)
	token, err := g.AddMapping(host, port, "tok-echo")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	server := httptest.NewServer(g.handler())
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/websockify?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("expected the session to open, got %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("expected the echoed bytes, got %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != "RFB 003.008\n" {
		t.Errorf("expected a binary echo, got type %d data %q", kind, data)
	}
}

func TestGatewayRejectsUnknownToken(t *testing.T) {
	g, _ := newGateway(t)
	server := httptest.NewServer(g.handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/websockify?token=bogus"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("expected the upgrade to succeed, got %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected a policy violation close, got %v", err)
	}
}

func TestGatewayServesAssets(t *testing.T) {
	webRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(webRoot, "vnc.html"), []byte("<html>console</html>"), 0o644); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	g, err := New("203.0.113.7", 6090, webRoot, t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	server := httptest.NewServer(g.(*gateway).handler())
	t.Cleanup(server.Close)
	resp, err := http.Get(server.URL + "/vnc.html")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(string(body), "console") {
		t.Errorf("expected the asset body, got %q", body)
	}
}

func TestGatewayStartStop(t *testing.T) {
	savingRoot := t.TempDir()
	g, err := New("127.0.0.1", 0, "", savingRoot)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	gw := g.(*gateway)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	addr := gw.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("expected the gateway to accept connections, got %v", err)
	}
	conn.Close()

	if err := gw.Stop(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Stopping twice is fine.
	if err := gw.Stop(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
