// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package workstation

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/open-idcs/openidcs/internal/machines"
)

// How long a stopped daemon is given to exit before it is killed.
const stopGrace = 5 * time.Second

// Handle on the REST daemon process that fronts the hypervisor. The
// daemon runs on the same machine as the controller and owns the
// listening socket the vmrest client talks to.
type daemon struct {
	path string
	dir  string
	args []string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newDaemon(path, dir string, args ...string) *daemon {
	return &daemon{path: path, dir: dir, args: args}
}

// Start spawns the daemon process. No-op when it is already running.
func (d *daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running() {
		return nil
	}
	if _, err := os.Stat(d.path); err != nil {
		return fmt.Errorf("%w: backend daemon %q not found", machines.ErrConfig, d.path)
	}
	cmd := exec.Command(d.path, d.args...)
	cmd.Dir = d.dir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %q: %s", machines.ErrBackend, d.path, err)
	}
	done := make(chan struct{})
	go func() {
		// Reap the process so Stop can wait on it.
		cmd.Wait() //nolint:errcheck // the exit status is irrelevant here
		close(done)
	}()
	d.cmd, d.done = cmd, done
	return nil
}

// Stop asks the daemon to exit and kills it after a grace period.
func (d *daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running() {
		return fmt.Errorf("%w: backend daemon is not running", machines.ErrBackend)
	}
	if err := d.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is not deliverable on every platform.
		d.cmd.Process.Kill() //nolint:errcheck // falls through to the wait below
	}
	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-d.done:
	case <-timer.C:
		d.cmd.Process.Kill() //nolint:errcheck // the process is reaped either way
		<-d.done
	}
	d.cmd, d.done = nil, nil
	return nil
}

// Running reports whether the daemon process is alive.
func (d *daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running()
}

func (d *daemon) running() bool {
	if d.cmd == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}
