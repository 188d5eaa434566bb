// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/roomserver/types"
)

func memberEntry(stateKeyNID types.EventStateKeyNID, eventNID types.EventNID) types.StateEntry {
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{
			EventTypeNID:     types.MRoomMemberNID,
			EventStateKeyNID: stateKeyNID,
		},
		EventNID: eventNID,
	}
}

func TestPairUpChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		removed  []types.StateEntry
		added    []types.StateEntry
		expected []stateChange
	}{
		{
			name:     "empty delta",
			expected: []stateChange{},
		},
		{
			name:    "removal and addition of the same tuple pair up",
			removed: []types.StateEntry{memberEntry(1, 10)},
			added:   []types.StateEntry{memberEntry(1, 20)},
			expected: []stateChange{{
				StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 1},
				removedEventNID: 10,
				addedEventNID:   20,
			}},
		},
		{
			name:    "different tuples stay separate",
			removed: []types.StateEntry{memberEntry(1, 10)},
			added:   []types.StateEntry{memberEntry(2, 20)},
			expected: []stateChange{
				{
					StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 1},
					removedEventNID: 10,
				},
				{
					StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 2},
					addedEventNID: 20,
				},
			},
		},
		{
			name:  "addition without a removal leaves the removed side zero",
			added: []types.StateEntry{memberEntry(3, 30)},
			expected: []stateChange{{
				StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 3},
				addedEventNID: 30,
			}},
		},
		{
			name:    "removal without an addition leaves the added side zero",
			removed: []types.StateEntry{memberEntry(3, 30)},
			expected: []stateChange{{
				StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 3},
				removedEventNID: 30,
			}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := pairUpChanges(tc.removed, tc.added)
			require.Equal(t, tc.expected, got)
		})
	}
}

// Results come back sorted by (event type NID, state key NID) so membership
// updates apply in a stable order regardless of map iteration.
func TestPairUpChangesOrdering(t *testing.T) {
	t.Parallel()

	removed := []types.StateEntry{
		memberEntry(9, 10),
		memberEntry(2, 11),
		{
			StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: 1},
			EventNID:      12,
		},
	}
	added := []types.StateEntry{
		memberEntry(9, 20),
		memberEntry(2, 21),
		{
			StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: 1},
			EventNID:      22,
		},
	}

	got := pairUpChanges(removed, added)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		less := prev.EventTypeNID < cur.EventTypeNID ||
			(prev.EventTypeNID == cur.EventTypeNID && prev.EventStateKeyNID < cur.EventStateKeyNID)
		assert.True(t, less, "results out of order at index %d: %+v before %+v", i, prev, cur)
	}
}

func TestMembershipChanges(t *testing.T) {
	t.Parallel()

	joinRules := types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomJoinRulesNID, EventStateKeyNID: 1},
		EventNID:      40,
	}
	powerLevels := types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: 1},
		EventNID:      41,
	}

	tests := []struct {
		name     string
		removed  []types.StateEntry
		added    []types.StateEntry
		expected []stateChange
	}{
		{
			name:     "empty delta yields no changes",
			expected: nil,
		},
		{
			name:     "non-membership state is filtered out",
			removed:  []types.StateEntry{powerLevels},
			added:    []types.StateEntry{joinRules},
			expected: nil,
		},
		{
			name:    "membership survives a mixed delta",
			removed: []types.StateEntry{memberEntry(1, 10), joinRules},
			added:   []types.StateEntry{memberEntry(1, 20), powerLevels},
			expected: []stateChange{{
				StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 1},
				removedEventNID: 10,
				addedEventNID:   20,
			}},
		},
		{
			name:    "several users changing at once",
			removed: []types.StateEntry{memberEntry(1, 10), memberEntry(2, 11)},
			added:   []types.StateEntry{memberEntry(1, 20), memberEntry(3, 21)},
			expected: []stateChange{
				{
					StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 1},
					removedEventNID: 10,
					addedEventNID:   20,
				},
				{
					StateKeyTuple:   types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 2},
					removedEventNID: 11,
				},
				{
					StateKeyTuple: types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 3},
					addedEventNID: 21,
				},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := membershipChanges(tc.removed, tc.added)
			require.Equal(t, tc.expected, got)
		})
	}
}

// Duplicate entries for one tuple collapse into a single change and the last
// addition wins, matching how state deltas are produced.
func TestMembershipChangesDeduplication(t *testing.T) {
	t.Parallel()

	removed := []types.StateEntry{memberEntry(1, 10)}
	added := []types.StateEntry{memberEntry(1, 20), memberEntry(1, 21)}

	got := membershipChanges(removed, added)
	require.Len(t, got, 1)
	assert.Equal(t, types.EventNID(10), got[0].removedEventNID)
	assert.Equal(t, types.EventNID(21), got[0].addedEventNID)
}
