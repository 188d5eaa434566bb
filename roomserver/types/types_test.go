// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/test"
)

// TestHeaderedEventJSONRoundTrip tests that a headered event survives a trip
// through JSON with its event ID and room version intact, as happens on the
// input stream.
func TestHeaderedEventJSONRoundTrip(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomVersion(matrix.RoomVersionV10))
	original := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "over the wire and back",
	})

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	// The wire form carries the version and ID alongside the event body.
	assert.Equal(t, string(original.Version()), gjson.GetBytes(encoded, "_room_version").Str)
	assert.Equal(t, original.EventID(), gjson.GetBytes(encoded, "_event_id").Str)

	var decoded types.HeaderedEvent
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NotNil(t, decoded.PDU, "the decoded event must carry its PDU")

	assert.Equal(t, original.EventID(), decoded.EventID())
	assert.Equal(t, original.RoomID(), decoded.RoomID())
	assert.Equal(t, original.Version(), decoded.Version())
	assert.Equal(t, original.Type(), decoded.Type())
	assert.JSONEq(t, string(original.Content()), string(decoded.Content()))

	// The annotations are stripped back out of the event body.
	assert.False(t, gjson.GetBytes(decoded.JSON(), "_room_version").Exists())
	assert.False(t, gjson.GetBytes(decoded.JSON(), "_event_id").Exists())
}

// TestHeaderedEventJSONRoundTripInSlice tests the same round trip inside a
// slice, matching how events are batched onto the input stream.
func TestHeaderedEventJSONRoundTripInSlice(t *testing.T) {
	t.Parallel()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	original := room.Events()[0]

	encoded, err := json.Marshal([]*types.HeaderedEvent{original})
	require.NoError(t, err)

	var decoded []*types.HeaderedEvent
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Len(t, decoded, 1)
	require.NotNil(t, decoded[0].PDU)
	assert.Equal(t, original.EventID(), decoded[0].EventID())
}
