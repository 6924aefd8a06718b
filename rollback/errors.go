// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import "errors"

// Sentinel errors for rollback operations.
var (
	// ErrInvalidInput is returned when a required argument is missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoCheckpoint is returned when no checkpoint is available to
	// roll back to.
	ErrNoCheckpoint = errors.New("no checkpoint available")

	// ErrUnknownStrategy is returned for unrecognized rollback strategies.
	ErrUnknownStrategy = errors.New("unknown rollback strategy")
)
