// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import "errors"

// Sentinel errors for checkpoint operations.
var (
	// ErrInvalidInput is returned when a required argument is missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when no checkpoint matches the given hash
	// or name.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrPersist is returned when durable storage rejects a write.
	ErrPersist = errors.New("checkpoint persistence failed")
)
