// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

import "testing"

func TestParsePowerAction(t *testing.T) {
	tests := []struct {
		action   string
		expected PowerState
		ok       bool
	}{
		{"start", PowerStart, true},
		{"stop", PowerShutdown, true},
		{"hard_stop", PowerOff, true},
		{"reset", PowerReset, true},
		{"hard_reset", PowerResetHard, true},
		{"pause", PowerPause, true},
		{"resume", PowerResume, true},
		{"explode", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			state, ok := ParsePowerAction(tt.action)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if state != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, state)
			}
		})
	}
}
