// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

import (
	"fmt"
	"strconv"
	"strings"
)

// Static settings of a managed host, as provided by the operator.
//
// The json field names are the wire and storage format and must stay
// stable across releases.
type HostConfig struct {
	// Engine type key, e.g. "VMWareSetup".
	ServerType string `json:"server_type"`
	// Address of the backend control endpoint, e.g. "127.0.0.1:8697".
	ServerAddr string `json:"server_addr"`
	ServerUser string `json:"server_user"`
	ServerPass string `json:"server_pass"`
	// Only guests whose name carries this prefix are managed.
	FilterName string `json:"filter_name"`
	// Directory with the base images to clone guests from.
	ImagesPath string `json:"images_path"`
	// Directory the guest directories are created under.
	SystemPath string `json:"system_path"`
	BackupPath string `json:"backup_path"`
	ExternPath string `json:"extern_path"`
	// Directory containing the backend daemon executable.
	LaunchPath string `json:"launch_path"`
	// Names of the NAT and public virtual networks.
	NetworkNat string `json:"network_nat"`
	NetworkPub string `json:"network_pub"`
	// Router endpoint for DHCP leases and port forwards.
	IKuaiAddr string `json:"i_kuai_addr"`
	IKuaiUser string `json:"i_kuai_user"`
	IKuaiPass string `json:"i_kuai_pass"`
	// Port range handed out for NAT forwards.
	PortsStart int `json:"ports_start"`
	PortsClose int `json:"ports_close"`
	// First VNC display port. Guests get remote_port, remote_port+1, ...
	RemotePort int `json:"remote_port"`
	// Logical OS name to backend guest OS tag.
	SystemMaps map[string]string `json:"system_maps"`
	// Addresses the host is reachable on from outside.
	PublicAddr []string `json:"public_addr"`
	// Free-form engine specific settings.
	ExtendData map[string]any `json:"extend_data"`
}

// Desired resources of a single guest.
type GuestConfig struct {
	// Guest name, used as the stable identifier everywhere.
	UUID   string `json:"vm_uuid"`
	OSName string `json:"os_name"`
	// Compute resources.
	CPUNum int `json:"cpu_num"`
	CPUPer int `json:"cpu_per"`
	GPUNum int `json:"gpu_num"`
	GPUMem int `json:"gpu_mem"`
	// Memory and root disk in MiB.
	MemNum int `json:"mem_num"`
	HddNum int `json:"hdd_num"`
	// Bandwidth in Mbit/s.
	SpeedU int `json:"speed_u"`
	SpeedD int `json:"speed_d"`
	// Traffic, NAT port and proxy quotas. Zero means not assigned.
	FluNum int `json:"flu_num"`
	NatNum int `json:"nat_num"`
	WebNum int `json:"web_num"`
	// Network interfaces by name.
	NicAll map[string]NICConfig `json:"nic_all"`
	// Additional disks by name.
	HddAll map[string]DiskConfig `json:"hdd_all"`
}

// Fill in derived defaults, currently the MAC addresses of interfaces
// that only carry an IPv4 address.
func (c *GuestConfig) Normalize() {
	for name, nic := range c.NicAll {
		if nic.MacAddr == "" {
			nic.MacAddr = nic.DeriveMac()
			c.NicAll[name] = nic
		}
	}
}

// A single guest network interface.
type NICConfig struct {
	MacAddr string `json:"mac_addr"`
	// Backend connection type, passed through to the hypervisor.
	NicType string `json:"nic_type"`
	IP4Addr string `json:"ip4_addr"`
	IP6Addr string `json:"ip6_addr"`
}

// MAC prefixes by the first IPv4 address label. Addresses outside the
// known ranges get a zero prefix.
var macPrefixes = map[string]string{
	"192": "00:1C",
	"172": "CC:D9",
	"10":  "10:F6",
	"100": "00:1E",
}

// The MAC address derived from the IPv4 address: a range dependent prefix
// followed by the four address octets in hex. Returns an empty string when
// the address does not parse.
func (n NICConfig) DeriveMac() string {
	parts := strings.Split(n.IP4Addr, ".")
	if len(parts) != 4 {
		return ""
	}
	hexParts := make([]string, 0, len(parts))
	for _, part := range parts {
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return ""
		}
		hexParts = append(hexParts, fmt.Sprintf("%02x", octet))
	}
	prefix, ok := macPrefixes[parts[0]]
	if !ok {
		prefix = "00:00"
	}
	return prefix + ":" + strings.Join(hexParts, ":")
}

// A single additional guest disk.
type DiskConfig struct {
	HddName string `json:"hdd_name"`
	// Size in MiB.
	HddSize int `json:"hdd_size"`
}
