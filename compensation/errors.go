// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compensation

import "errors"

// Sentinel errors for compensation operations.
var (
	// ErrInvalidInput is returned when a required argument is missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoGitClient is returned when a version-control action runs on an
	// engine constructed without a git client.
	ErrNoGitClient = errors.New("no git client configured")

	// ErrUnknownFunction is returned when a function action references an
	// unregistered function name.
	ErrUnknownFunction = errors.New("compensation function not registered")

	// ErrUnknownActionType is returned for unrecognized action types.
	ErrUnknownActionType = errors.New("unknown compensation action type")

	// ErrNotImplemented is returned for declared-but-unimplemented action
	// types such as file restore.
	ErrNotImplemented = errors.New("action type not implemented")
)
