// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

// Record of a control operation executed on a host, kept in submission
// order for the audit trail.
type Task struct {
	// Operation specific parameters, e.g. the guest the task ran on.
	Process map[string]any `json:"process"`
	Success bool           `json:"success"`
	Results int            `json:"results"`
	Message *ActionResult  `json:"message"`
}
