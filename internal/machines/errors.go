// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package machines

import "errors"

// Failure categories shared across the controller. Callers branch on them
// with errors.Is, the API maps them onto HTTP status codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnsupported   = errors.New("unsupported")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrBackend       = errors.New("backend failure")
	ErrStore         = errors.New("store failure")
	ErrFilesystem    = errors.New("filesystem failure")
	ErrConfig        = errors.New("invalid configuration")
	ErrTimeout       = errors.New("timed out")
)
