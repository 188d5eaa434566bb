// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"sync/atomic"
	"testing"
)

var userIDCounter int64

// User is a test user on the "test" server.
type User struct {
	ID        string
	Localpart string
}

// NewUser returns a user with a process-unique ID of the form "@userN:test".
func NewUser(t *testing.T) *User {
	t.Helper()
	counter := atomic.AddInt64(&userIDCounter, 1)
	localpart := fmt.Sprintf("user%d", counter)
	return &User{
		ID:        fmt.Sprintf("@%s:test", localpart),
		Localpart: localpart,
	}
}
