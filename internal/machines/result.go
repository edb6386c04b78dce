// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

import "encoding/json"

// Structured outcome of a control operation. Results carries operation
// specific payload, Execute the underlying error of failed operations.
type ActionResult struct {
	Success bool           `json:"success"`
	Actions string         `json:"actions"`
	Message string         `json:"message"`
	Results map[string]any `json:"results"`
	Execute error          `json:"-"`
}

// Serialize the execute error as its message, or null when the operation
// succeeded.
func (r ActionResult) MarshalJSON() ([]byte, error) {
	type alias ActionResult
	out := struct {
		alias
		Execute *string `json:"execute"`
	}{alias: alias(r)}
	if r.Execute != nil {
		msg := r.Execute.Error()
		out.Execute = &msg
	}
	return json.Marshal(out)
}

func Success(actions, message string) ActionResult {
	return ActionResult{Success: true, Actions: actions, Message: message, Results: map[string]any{}}
}

func SuccessWith(actions, message string, results map[string]any) ActionResult {
	return ActionResult{Success: true, Actions: actions, Message: message, Results: results}
}

func Failure(actions, message string, err error) ActionResult {
	return ActionResult{Success: false, Actions: actions, Message: message, Results: map[string]any{}, Execute: err}
}

// The underlying error of a failed operation, nil on success.
func (r ActionResult) Err() error {
	if r.Success {
		return nil
	}
	return r.Execute
}
