// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager owns the registered hosts. It wires engine adapters to
// the catalog store, verifies the API bearer token and runs the periodic
// poll loop over all backends.
package manager

import (
	"github.com/open-idcs/openidcs/internal/catalog"
	"github.com/open-idcs/openidcs/internal/engine"
	"github.com/open-idcs/openidcs/internal/engine/workstation"
	"github.com/open-idcs/openidcs/internal/machines"
	"github.com/open-idcs/openidcs/internal/probe"
	"github.com/open-idcs/openidcs/internal/vncgate"
)

// EngineDeps carries the shared dependencies handed to every adapter.
type EngineDeps struct {
	Store   catalog.Store
	Prober  probe.Prober
	Gateway vncgate.Gateway
	// Hardware samples retained per host and per guest.
	StatusRetention int
}

// Factory builds the adapter for one host of the engine's type.
type Factory func(hostName string, config machines.HostConfig, deps EngineDeps) engine.Adapter

// The engine registry. Disabled entries document planned backends for the
// operator UI; only enabled entries accept hosts.
var records = map[string]engine.Record{
	"VMWareSetup": {
		Description:   "VMWare Workstation",
		Enabled:       true,
		Remote:        false,
		Platforms:     []string{"Windows"},
		Architectures: []string{"x86_64"},
		SystemOS: map[string]string{
			"Windows 10 x64": "windows9-64",
		},
	},
	"HyperVSetup": {
		Description:   "Win HyperV Platform",
		Platforms:     []string{"Windows"},
		Architectures: []string{"x86_64"},
		Message:       "1、无法单独限制上下行带宽，取最低值",
	},
	"ProxmoxSetup": {
		Description:   "PVE Runtime Platform",
		Platforms:     []string{"Linux", "Windows"},
		Architectures: []string{"x86_64", "aarch64"},
	},
	"VirtualBoxSetup": {
		Description:   "VirtualBox Runtime Platform",
		Platforms:     []string{"Linux", "Windows"},
		Architectures: []string{"x86_64", "aarch64"},
	},
	"vSphereESXi": {
		Description:   "vSphere ESXi Runtime",
		Platforms:     []string{"Linux", "Windows"},
		Architectures: []string{"x86_64"},
	},
	"MemuAndroid": {
		Description:   "XYAndroid Simulator",
		Platforms:     []string{"Windows"},
		Architectures: []string{"x86_64"},
		Options: map[string]string{
			"graphics_render_mode": "图形渲染模式(1:DirectX, 0:OpenGL)",
			"enable_su":            "是否以超级用户权限启动",
			"enable_audio":         "是否启用音频",
			"fps":                  "帧率",
		},
	},
	"LxContainer": {
		Description:   "Linux Container App",
		Platforms:     []string{"Linux"},
		Architectures: []string{"x86_64", "aarch64"},
	},
	"DockerSetup": {
		Description:   "Docker Runtime Host",
		Platforms:     []string{"Linux", "Windows", "MacOS"},
		Architectures: []string{"x86_64", "aarch64"},
	},
	"PodmanSetup": {
		Description:   "Podman Runtime, Host",
		Platforms:     []string{"Linux", "Windows", "MacOS"},
		Architectures: []string{"x86_64", "aarch64"},
	},
	"MacOSFusion": {
		Description:   "VMware Fusion Pro Mac",
		Platforms:     []string{"MacOS"},
		Architectures: []string{"x86_64", "aarch64"},
	},
}

// Adapter constructors by engine type. New backends are added here and in
// the registry above, the manager itself knows no concrete engine.
var factories = map[string]Factory{
	"VMWareSetup": func(hostName string, config machines.HostConfig, deps EngineDeps) engine.Adapter {
		return workstation.NewAdapter(hostName, config, workstation.Deps{
			Store:           deps.Store,
			Prober:          deps.Prober,
			Gateway:         deps.Gateway,
			StatusRetention: deps.StatusRetention,
		})
	},
}
