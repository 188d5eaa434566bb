// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/matrix"
)

func createTestCreateEvent(t *testing.T, roomVersion string) matrix.PDU {
	t.Helper()

	content := `{"creator":"@test:localhost"`
	if roomVersion != "" {
		content += `,"room_version":"` + roomVersion + `"`
	}
	content += `}`

	eventJSON := `{
		"type":"m.room.create",
		"state_key":"",
		"sender":"@test:localhost",
		"room_id":"!test:localhost",
		"content":` + content + `,
		"auth_events":[],
		"prev_events":[],
		"depth":1,
		"origin_server_ts":1000000
	}`

	verImpl, err := matrix.GetRoomVersion(matrix.RoomVersionV10)
	require.NoError(t, err)
	event, err := matrix.NewEventFromTrustedJSON([]byte(eventJSON), false, verImpl)
	require.NoError(t, err, "failed to create test event")
	return event
}

func createTestEvent(t *testing.T, eventType string) matrix.PDU {
	t.Helper()

	eventJSON := `{
		"type":"` + eventType + `",
		"sender":"@test:localhost",
		"room_id":"!test:localhost",
		"content":{},
		"auth_events":[],
		"prev_events":[],
		"depth":1,
		"origin_server_ts":1000000
	}`

	verImpl, err := matrix.GetRoomVersion(matrix.RoomVersionV10)
	require.NoError(t, err)
	event, err := matrix.NewEventFromTrustedJSON([]byte(eventJSON), false, verImpl)
	require.NoError(t, err, "failed to create test event")
	return event
}

// insertEventAt inserts an event at the specified position in a slice.
func insertEventAt(events []matrix.PDU, position int, event matrix.PDU) []matrix.PDU {
	result := make([]matrix.PDU, 0, len(events)+1)
	result = append(result, events[:position]...)
	result = append(result, event)
	result = append(result, events[position:]...)
	return result
}

func TestCheckEventsContainCreateEventValidCreateEvent(t *testing.T) {
	t.Parallel()

	createEvent := createTestCreateEvent(t, "10")
	events := []matrix.PDU{createEvent}

	err := checkEventsContainCreateEvent(events)

	assert.NoError(t, err, "valid create event should not return error")
}

func TestCheckEventsContainCreateEventEmptyList(t *testing.T) {
	t.Parallel()

	events := []matrix.PDU{}

	err := checkEventsContainCreateEvent(events)

	assert.Error(t, err, "empty events list should return error")
	assert.Contains(t, err.Error(), "missing m.room.create", "error should mention missing create event")
}

func TestCheckEventsContainCreateEventNoCreateEvent(t *testing.T) {
	t.Parallel()

	events := []matrix.PDU{
		createTestEvent(t, "m.room.member"),
		createTestEvent(t, "m.room.power_levels"),
		createTestEvent(t, "m.room.join_rules"),
	}

	err := checkEventsContainCreateEvent(events)

	assert.Error(t, err, "events without create should return error")
	assert.Contains(t, err.Error(), "missing m.room.create", "error should mention missing create event")
}

func TestCheckEventsContainCreateEventUnknownVersion(t *testing.T) {
	t.Parallel()

	createEvent := createTestCreateEvent(t, "unknown_version_999")
	events := []matrix.PDU{createEvent}

	err := checkEventsContainCreateEvent(events)

	assert.Error(t, err, "unknown room version should return error")
	assert.Contains(t, err.Error(), "unknown room version", "error should mention unknown version")
}

func TestCheckEventsContainCreateEventNoVersionClaimsV1(t *testing.T) {
	t.Parallel()

	// A create event without a room_version claims room version 1, which
	// this server does not speak.
	createEvent := createTestCreateEvent(t, "")
	events := []matrix.PDU{createEvent}

	err := checkEventsContainCreateEvent(events)

	assert.Error(t, err, "create event without version claims v1, which is unsupported")
	assert.Contains(t, err.Error(), "unknown room version", "error should mention unknown version")
}

func TestCheckEventsContainCreateEventMultipleEventsWithCreate(t *testing.T) {
	t.Parallel()

	events := []matrix.PDU{
		createTestCreateEvent(t, "10"),
		createTestEvent(t, "m.room.member"),
		createTestEvent(t, "m.room.power_levels"),
		createTestEvent(t, "m.room.join_rules"),
	}

	err := checkEventsContainCreateEvent(events)

	assert.NoError(t, err, "events with create should not return error")
}

func TestCheckEventsContainCreateEventCreateAtDifferentPositions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		position int
	}{
		{"create first", 0},
		{"create middle", 1},
		{"create last", 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := []matrix.PDU{
				createTestEvent(t, "m.room.member"),
				createTestEvent(t, "m.room.power_levels"),
				createTestEvent(t, "m.room.join_rules"),
			}

			createEvent := createTestCreateEvent(t, "10")
			events = insertEventAt(events, tt.position, createEvent)

			err := checkEventsContainCreateEvent(events)

			assert.NoError(t, err, "create event at any position should be valid")
		})
	}
}

func TestCheckEventsContainCreateEventKnownVersions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		version string
	}{
		{"version 6", "6"},
		{"version 7", "7"},
		{"version 8", "8"},
		{"version 9", "9"},
		{"version 10", "10"},
		{"version 11", "11"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			createEvent := createTestCreateEvent(t, tt.version)
			events := []matrix.PDU{createEvent}

			err := checkEventsContainCreateEvent(events)

			assert.NoError(t, err, "known room version should not return error")
		})
	}
}

func TestCheckEventsContainCreateEventUnsupportedOldVersions(t *testing.T) {
	t.Parallel()

	for _, version := range []string{"1", "2", "3", "4", "5"} {
		version := version
		t.Run("version "+version, func(t *testing.T) {
			t.Parallel()

			createEvent := createTestCreateEvent(t, version)
			events := []matrix.PDU{createEvent}

			err := checkEventsContainCreateEvent(events)

			assert.Error(t, err, "room versions before 6 are not supported")
		})
	}
}
