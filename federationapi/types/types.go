// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// RetryState is the persisted backoff state for one destination server.
type RetryState struct {
	// Number of consecutive failed requests to the server.
	FailureCount uint32
	// Timestamp in milliseconds when the current backoff expires.
	RetryUntil int64
}
