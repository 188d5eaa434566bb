// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

//go:build !cgo
// +build !cgo

package sqlutil

import (
	"errors"

	"github.com/lib/pq"
	// Keep the sqlite3 driver registered, matching the cgo build, where this
	// package's import of go-sqlite3 registers it as a side effect.
	_ "github.com/mattn/go-sqlite3"
)

// IsUniqueConstraintViolationErr returns true if the error is a postgres
// unique_violation error. The sqlite driver requires cgo, so without cgo a
// sqlite unique constraint error can never occur.
func IsUniqueConstraintViolationErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
