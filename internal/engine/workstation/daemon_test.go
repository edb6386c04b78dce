// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package workstation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-idcs/openidcs/internal/machines"
)

// A process that sticks around until it is signalled, standing in for the
// real daemon executable.
func testDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "daemon.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return newDaemon("/bin/sh", dir, script)
}

func TestDaemonStartMissingExecutable(t *testing.T) {
	d := newDaemon(filepath.Join(t.TempDir(), "vmrest.exe"), "")

	err := d.Start()
	if !errors.Is(err, machines.ErrConfig) {
		t.Fatalf("expected a config error, got %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	d := testDaemon(t)

	if err := d.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !d.Running() {
		t.Fatalf("expected the daemon to be running")
	}
	// Starting again is a no-op.
	if err := d.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Running() {
		t.Fatalf("expected the daemon to be stopped")
	}
}

func TestDaemonStopWhenNotRunning(t *testing.T) {
	d := testDaemon(t)

	err := d.Stop()
	if !errors.Is(err, machines.ErrBackend) {
		t.Fatalf("expected a backend error, got %v", err)
	}
}

func TestDaemonStopAfterExit(t *testing.T) {
	d := testDaemon(t)
	if err := d.Start(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// A second stop sees no running process anymore.
	err := d.Stop()
	if !errors.Is(err, machines.ErrBackend) {
		t.Fatalf("expected a backend error, got %v", err)
	}
}
