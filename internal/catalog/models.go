// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/open-idcs/openidcs/internal/machines"
)

// Data root used when the store has none persisted.
const DefaultSavingRoot = "./DataSaving"

// Single row table with controller wide settings.
type Global struct {
	ID int64 `db:"id,primarykey"`
	// The API bearer token. Empty until one is set or generated.
	Bearer string `db:"bearer"`
	// Directory for file artifacts such as the gateway token table.
	Saving    string    `db:"saving"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (Global) TableName() string { return "hs_global" }

// One managed host. The JSON valued columns hold the non-scalar parts of
// the host configuration.
type Host struct {
	Name       string    `db:"hs_name,primarykey"`
	ServerType string    `db:"server_type"`
	ServerAddr string    `db:"server_addr"`
	ServerUser string    `db:"server_user"`
	ServerPass string    `db:"server_pass"`
	FilterName string    `db:"filter_name"`
	ImagesPath string    `db:"images_path"`
	SystemPath string    `db:"system_path"`
	BackupPath string    `db:"backup_path"`
	ExternPath string    `db:"extern_path"`
	LaunchPath string    `db:"launch_path"`
	NetworkNat string    `db:"network_nat"`
	NetworkPub string    `db:"network_pub"`
	IKuaiAddr  string    `db:"i_kuai_addr"`
	IKuaiUser  string    `db:"i_kuai_user"`
	IKuaiPass  string    `db:"i_kuai_pass"`
	PortsStart int       `db:"ports_start"`
	PortsClose int       `db:"ports_close"`
	RemotePort int       `db:"remote_port"`
	SystemMaps string    `db:"system_maps"`
	PublicAddr string    `db:"public_addr"`
	ExtendData string    `db:"extend_data"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (Host) TableName() string { return "hs_config" }

// Build the storage row for a host configuration.
func NewHost(name string, config machines.HostConfig) (Host, error) {
	systemMaps, err := json.Marshal(config.SystemMaps)
	if err != nil {
		return Host{}, fmt.Errorf("marshaling system_maps: %w", err)
	}
	publicAddr, err := json.Marshal(config.PublicAddr)
	if err != nil {
		return Host{}, fmt.Errorf("marshaling public_addr: %w", err)
	}
	extendData, err := json.Marshal(config.ExtendData)
	if err != nil {
		return Host{}, fmt.Errorf("marshaling extend_data: %w", err)
	}
	return Host{
		Name:       name,
		ServerType: config.ServerType,
		ServerAddr: config.ServerAddr,
		ServerUser: config.ServerUser,
		ServerPass: config.ServerPass,
		FilterName: config.FilterName,
		ImagesPath: config.ImagesPath,
		SystemPath: config.SystemPath,
		BackupPath: config.BackupPath,
		ExternPath: config.ExternPath,
		LaunchPath: config.LaunchPath,
		NetworkNat: config.NetworkNat,
		NetworkPub: config.NetworkPub,
		IKuaiAddr:  config.IKuaiAddr,
		IKuaiUser:  config.IKuaiUser,
		IKuaiPass:  config.IKuaiPass,
		PortsStart: config.PortsStart,
		PortsClose: config.PortsClose,
		RemotePort: config.RemotePort,
		SystemMaps: string(systemMaps),
		PublicAddr: string(publicAddr),
		ExtendData: string(extendData),
	}, nil
}

// Reconstruct the host configuration from its storage row.
func (h Host) Config() (machines.HostConfig, error) {
	config := machines.HostConfig{
		ServerType: h.ServerType,
		ServerAddr: h.ServerAddr,
		ServerUser: h.ServerUser,
		ServerPass: h.ServerPass,
		FilterName: h.FilterName,
		ImagesPath: h.ImagesPath,
		SystemPath: h.SystemPath,
		BackupPath: h.BackupPath,
		ExternPath: h.ExternPath,
		LaunchPath: h.LaunchPath,
		NetworkNat: h.NetworkNat,
		NetworkPub: h.NetworkPub,
		IKuaiAddr:  h.IKuaiAddr,
		IKuaiUser:  h.IKuaiUser,
		IKuaiPass:  h.IKuaiPass,
		PortsStart: h.PortsStart,
		PortsClose: h.PortsClose,
		RemotePort: h.RemotePort,
	}
	if h.SystemMaps != "" {
		if err := json.Unmarshal([]byte(h.SystemMaps), &config.SystemMaps); err != nil {
			return config, fmt.Errorf("unmarshaling system_maps of %q: %w", h.Name, err)
		}
	}
	if h.PublicAddr != "" {
		if err := json.Unmarshal([]byte(h.PublicAddr), &config.PublicAddr); err != nil {
			return config, fmt.Errorf("unmarshaling public_addr of %q: %w", h.Name, err)
		}
	}
	if h.ExtendData != "" {
		if err := json.Unmarshal([]byte(h.ExtendData), &config.ExtendData); err != nil {
			return config, fmt.Errorf("unmarshaling extend_data of %q: %w", h.Name, err)
		}
	}
	return config, nil
}

// One retained hardware sample of a host.
type HostStatus struct {
	ID       int64  `db:"id,primarykey,autoincrement"`
	HostName string `db:"hs_name"`
	// The machines.HWStatus sample as JSON.
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

func (HostStatus) TableName() string { return "hs_status" }

// Desired configuration of one guest.
type Guest struct {
	HostName string `db:"hs_name,primarykey"`
	UUID     string `db:"vm_uuid,primarykey"`
	// The machines.GuestConfig as JSON.
	Config    string    `db:"config"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (Guest) TableName() string { return "vm_saving" }

// Retained hardware samples of one guest.
type GuestStatus struct {
	HostName string `db:"hs_name,primarykey"`
	UUID     string `db:"vm_uuid,primarykey"`
	// A JSON array of machines.HWStatus samples.
	Statuses string `db:"status"`
}

func (GuestStatus) TableName() string { return "vm_status" }

// One entry of a host's task audit trail.
type Task struct {
	ID       int64  `db:"id,primarykey,autoincrement"`
	HostName string `db:"hs_name"`
	// The machines.Task as JSON.
	Data      string    `db:"task"`
	CreatedAt time.Time `db:"created_at"`
}

func (Task) TableName() string { return "vm_tasker" }

// One log line, host scoped or controller wide.
type Log struct {
	ID int64 `db:"id,primarykey,autoincrement"`
	// Null for the controller wide log.
	HostName  sql.NullString `db:"hs_name"`
	Data      string         `db:"log_data"`
	Level     string         `db:"log_level"`
	CreatedAt time.Time      `db:"created_at"`
}

func (Log) TableName() string { return "hs_logger" }
