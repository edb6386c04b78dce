// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe samples the hardware of the machine the controller runs on.
package probe

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/open-idcs/openidcs/internal/machines"
)

type Prober interface {
	// Sample returns a snapshot of the local machine. Sensors that cannot
	// be read degrade to zero values instead of failing the sample.
	Sample(ctx context.Context) machines.HWStatus
}

type prober struct {
	fs       procfs.FS
	rootPath string
	sysPath  string
	// Window over which the cpu utilization is averaged.
	window time.Duration

	// Seams for tests.
	statfs     func(path string, buf *unix.Statfs_t) error
	listMounts func() ([]*procfs.MountInfo, error)
	queryGPUs  func(ctx context.Context) (string, error)
}

func NewProber() Prober {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		slog.Debug("proc filesystem unavailable", "error", err)
	}
	return &prober{
		fs:         fs,
		rootPath:   "/",
		sysPath:    "/sys",
		window:     time.Second,
		statfs:     unix.Statfs,
		listMounts: procfs.GetMounts,
		queryGPUs:  queryNvidiaSMI,
	}
}

const mib = 1024 * 1024

func (p *prober) Sample(ctx context.Context) machines.HWStatus {
	status := machines.NewHWStatus(machines.StateStarted)
	phases := []func(context.Context, *machines.HWStatus){
		p.sampleCPU,
		p.sampleMemory,
		p.sampleDisks,
		p.sampleNetwork,
		p.sampleGPUs,
		p.sampleSensors,
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			return status
		}
		phase(ctx, &status)
	}
	return status
}

func (p *prober) sampleCPU(ctx context.Context, status *machines.HWStatus) {
	infos, err := p.fs.CPUInfo()
	if err != nil {
		slog.Debug("failed to read cpuinfo", "error", err)
	} else if len(infos) > 0 {
		status.CPUModel = infos[0].ModelName
		status.CPUTotal = len(infos)
	}

	before, err := p.fs.Stat()
	if err != nil {
		slog.Debug("failed to read cpu stat", "error", err)
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.window):
	}
	after, err := p.fs.Stat()
	if err != nil {
		slog.Debug("failed to read cpu stat", "error", err)
		return
	}
	status.CPUUsage = cpuPercent(before.CPUTotal, after.CPUTotal)
}

// Utilization over the interval between two aggregate cpu lines, in percent.
func cpuPercent(before, after procfs.CPUStat) int {
	busy := func(s procfs.CPUStat) float64 {
		return s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	}
	idle := func(s procfs.CPUStat) float64 {
		return s.Idle + s.Iowait
	}
	deltaBusy := busy(after) - busy(before)
	deltaTotal := deltaBusy + idle(after) - idle(before)
	if deltaTotal <= 0 {
		return 0
	}
	return int(math.Round(100 * deltaBusy / deltaTotal))
}

func (p *prober) sampleMemory(_ context.Context, status *machines.HWStatus) {
	mi, err := p.fs.Meminfo()
	if err != nil || mi.MemTotal == nil || *mi.MemTotal == 0 {
		slog.Debug("failed to read meminfo", "error", err)
		return
	}
	total := *mi.MemTotal // kB
	available := uint64(0)
	switch {
	case mi.MemAvailable != nil:
		available = *mi.MemAvailable
	case mi.MemFree != nil:
		available = *mi.MemFree
	}
	status.MemTotal = int(total / 1024)
	status.MemUsage = int(math.Round(100 * float64(total-available) / float64(total)))
}

// Filesystem types that count as real disks. Everything else in the mount
// table (proc, sysfs, overlay, tmpfs, ...) is skipped.
var diskFilesystems = map[string]bool{
	"ext2": true, "ext3": true, "ext4": true,
	"xfs": true, "btrfs": true, "zfs": true, "f2fs": true,
	"ntfs": true, "ntfs3": true, "fuseblk": true,
	"vfat": true, "exfat": true,
}

func (p *prober) sampleDisks(_ context.Context, status *machines.HWStatus) {
	if total, used, err := p.diskUsage(p.rootPath); err != nil {
		slog.Debug("failed to stat root filesystem", "error", err)
	} else {
		status.HddTotal = total
		status.HddUsage = used
	}

	mounts, err := p.listMounts()
	if err != nil {
		slog.Debug("failed to list mounts", "error", err)
		return
	}
	seen := map[string]bool{p.rootPath: true}
	for _, mount := range mounts {
		if seen[mount.MountPoint] || !diskFilesystems[mount.FSType] {
			continue
		}
		seen[mount.MountPoint] = true
		total, used, err := p.diskUsage(mount.MountPoint)
		if err != nil {
			slog.Debug("failed to stat mount", "mountpoint", mount.MountPoint, "error", err)
			continue
		}
		status.ExtUsage[mount.MountPoint] = [2]int{total, used}
	}
}

func (p *prober) diskUsage(path string) (totalMiB, usedMiB int, err error) {
	var buf unix.Statfs_t
	if err := p.statfs(path, &buf); err != nil {
		return 0, 0, err
	}
	blockSize := uint64(buf.Bsize) //nolint:gosec // negative block sizes do not occur
	total := buf.Blocks * blockSize
	used := (buf.Blocks - buf.Bfree) * blockSize
	return int(total / mib), int(used / mib), nil
}

func (p *prober) sampleNetwork(_ context.Context, status *machines.HWStatus) {
	nd, err := p.fs.NetDev()
	if err != nil {
		slog.Debug("failed to read net/dev", "error", err)
		return
	}
	total := nd.Total()
	status.NetworkU = int(total.TxBytes / mib)
	status.NetworkD = int(total.RxBytes / mib)
}

func queryNvidiaSMI(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx,
		"nvidia-smi", "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	return string(out), err
}

func (p *prober) sampleGPUs(ctx context.Context, status *machines.HWStatus) {
	out, err := p.queryGPUs(ctx)
	if err != nil {
		slog.Debug("gpu query unavailable", "error", err)
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		load, err := strconv.Atoi(line)
		if err != nil {
			slog.Debug("unparseable gpu utilization", "line", line)
			continue
		}
		status.GPUUsage[status.GPUTotal] = load
		status.GPUTotal++
	}
}

func (p *prober) sampleSensors(_ context.Context, status *machines.HWStatus) {
	// Millidegrees in the first readable thermal zone.
	if v, ok := p.firstIntFile(filepath.Join(p.sysPath, "class/thermal/thermal_zone*/temp")); ok {
		status.CPUTemp = v / 1000
	}
	// Battery charge in percent, zero on machines without one.
	if v, ok := p.firstIntFile(filepath.Join(p.sysPath, "class/power_supply/*/capacity")); ok {
		status.CPUPower = v
	}
}

func (p *prober) firstIntFile(pattern string) (int, bool) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return 0, false
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}
