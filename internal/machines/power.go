// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

// Power transition commands and observed power states. The string values
// are the wire and storage format.
type PowerState string

const (
	// Commands.
	PowerStart     PowerState = "S_START"
	PowerShutdown  PowerState = "S_CLOSE"
	PowerReset     PowerState = "S_RESET"
	PowerOff       PowerState = "H_CLOSE"
	PowerResetHard PowerState = "H_RESET"
	PowerPause     PowerState = "A_PAUSE"
	PowerResume    PowerState = "A_WAKED"

	// Observed states.
	StateStarted PowerState = "STARTED"
	StateStopped PowerState = "STOPPED"
	StateSuspend PowerState = "SUSPEND"
	StateUnknown PowerState = "UNKNOWN"
)

// API action names by which clients request power transitions.
var powerActions = map[string]PowerState{
	"start":      PowerStart,
	"stop":       PowerShutdown,
	"hard_stop":  PowerOff,
	"reset":      PowerReset,
	"hard_reset": PowerResetHard,
	"pause":      PowerPause,
	"resume":     PowerResume,
}

// Resolve an API action name to the power command it requests.
func ParsePowerAction(action string) (PowerState, bool) {
	state, ok := powerActions[action]
	return state, ok
}
