// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import "fmt"

// BadJSONError is returned when a request body or remote response is not a
// JSON object at all. It is terminal: retrying with the same bytes can never
// succeed.
type BadJSONError struct {
	err error
}

func (e BadJSONError) Error() string {
	return fmt.Sprintf("matrix: bad JSON: %s", e.err.Error())
}

func (e BadJSONError) Unwrap() error { return e.err }

// MalformedEventError is returned when JSON parses but the event is missing
// required fields or a field has the wrong type.
type MalformedEventError struct {
	Message string
}

func (e MalformedEventError) Error() string {
	return "matrix: malformed event: " + e.Message
}

// UnsupportedRoomVersionError occurs when a call has been made with a room
// version that is not supported by this server.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("matrix: unsupported room version %q", e.Version)
}

// HTTPError is returned by federation transports when a remote server
// answered with a non-2xx status code.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("matrix: HTTP %d: %s", e.Code, e.Message)
}

// NotAllowed is returned by Allowed when an event fails the authorization
// rules against the provided state.
type NotAllowed struct {
	Message string
}

func (e NotAllowed) Error() string {
	return "matrix: event not allowed: " + e.Message
}

func errorf(format string, args ...interface{}) error {
	return NotAllowed{Message: fmt.Sprintf(format, args...)}
}
