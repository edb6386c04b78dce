// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

import "time"

// One hardware sample of a host or guest.
type HWStatus struct {
	// Power state at sampling time.
	AcStatus PowerState `json:"ac_status"`

	CPUModel string `json:"cpu_model"`
	CPUTotal int    `json:"cpu_total"`
	// Usage in percent.
	CPUUsage int `json:"cpu_usage"`

	// Memory in MiB, usage in percent.
	MemTotal int `json:"mem_total"`
	MemUsage int `json:"mem_usage"`

	// Root filesystem in MiB.
	HddTotal int `json:"hdd_total"`
	HddUsage int `json:"hdd_usage"`
	// Additional mounts, mountpoint to [total MiB, used MiB].
	ExtUsage map[string][2]int `json:"ext_usage"`

	GPUTotal int `json:"gpu_total"`
	// GPU index to utilization percent.
	GPUUsage map[int]int `json:"gpu_usage"`

	// Cumulative network transfer in MiB.
	NetworkU int `json:"network_u"`
	NetworkD int `json:"network_d"`

	CPUTemp  int `json:"cpu_temp"`
	CPUPower int `json:"cpu_power"`

	SampledAt time.Time `json:"sampled_at"`
}

// A fresh sample with nothing measured yet.
func NewHWStatus(state PowerState) HWStatus {
	return HWStatus{
		AcStatus:  state,
		ExtUsage:  map[string][2]int{},
		GPUUsage:  map[int]int{},
		SampledAt: time.Now(),
	}
}
