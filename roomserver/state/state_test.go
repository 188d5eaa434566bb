// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

func TestFindDuplicateStateKeys(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		Name     string
		Input    []types.StateEntry
		Expected []types.StateEntry
	}{
		{
			Name: "test a list with no duplicates",
			Input: []types.StateEntry{
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2}, EventNID: 2},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 3},
			},
			Expected: nil,
		},
		{
			Name: "test a list with one duplicate",
			Input: []types.StateEntry{
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 2},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 3},
			},
			Expected: []types.StateEntry{
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 2},
			},
		},
		{
			Name: "test a list with two duplicates",
			Input: []types.StateEntry{
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 2},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2}, EventNID: 3},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 4},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 5},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 6},
			},
			Expected: []types.StateEntry{
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 2},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 4},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 5},
				{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 2}, EventNID: 6},
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tc.Expected, findDuplicateStateKeys(tc.Input)); diff != "" {
				t.Fatalf("findDuplicateStateKeys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStateEntryMapLookup(t *testing.T) {
	t.Parallel()
	entries := stateEntryMap([]types.StateEntry{
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 3}, EventNID: 2},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 1}, EventNID: 3},
	})

	eventNID, ok := entries.lookup(types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 3})
	assert.True(t, ok)
	assert.Equal(t, types.EventNID(2), eventNID)

	_, ok = entries.lookup(types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2})
	assert.False(t, ok)
}

// eventMap is a sorted list of events searchable by NID, mirroring the
// lookup shape of stateEntryMap for whole events.
type eventMap []types.Event

func (m eventMap) lookup(eventNID types.EventNID) (event *types.Event, ok bool) {
	list := []types.Event(m)
	i := sort.Search(len(list), func(i int) bool {
		return list[i].EventNID >= eventNID
	})
	if i < len(list) && list[i].EventNID == eventNID {
		ok = true
		event = &list[i]
	}
	return
}

func TestEventMapLookup(t *testing.T) {
	t.Parallel()
	events := eventMap([]types.Event{
		{EventNID: 1},
		{EventNID: 2},
		{EventNID: 8},
	})

	event, ok := events.lookup(8)
	assert.True(t, ok)
	assert.Equal(t, types.EventNID(8), event.EventNID)

	_, ok = events.lookup(5)
	assert.False(t, ok)
}

func TestStateEntryListMapLookup(t *testing.T) {
	t.Parallel()
	lists := stateEntryListMap([]types.StateEntryList{
		{StateFrameNID: 1},
		{StateFrameNID: 2, StateEntries: []types.StateEntry{
			{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
		}},
		{StateFrameNID: 5},
	})

	entries, ok := lists.lookup(2)
	assert.True(t, ok)
	assert.Len(t, entries, 1)

	_, ok = lists.lookup(3)
	assert.False(t, ok)
}

func TestStateKeyTuplesNeeded(t *testing.T) {
	t.Parallel()
	v := StateResolution{}
	stateKeyNIDMap := map[string]types.EventStateKeyNID{
		"@alice:example.com": 10,
		"@bob:example.com":   11,
	}
	needed := matrix.StateNeeded{
		Create:      true,
		PowerLevels: true,
		JoinRules:   true,
		Member:      []string{"@alice:example.com", "@bob:example.com", "@unknown:example.com"},
	}
	tuples := v.stateKeyTuplesNeeded(stateKeyNIDMap, needed)
	assert.Equal(t, []types.StateKeyTuple{
		{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID},
		{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID},
		{EventTypeNID: types.MRoomJoinRulesNID, EventStateKeyNID: types.EmptyStateKeyNID},
		{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 10},
		{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: 11},
	}, tuples)
}

func TestStateEntrySorter(t *testing.T) {
	t.Parallel()
	entries := []types.StateEntry{
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 2, EventStateKeyNID: 1}, EventNID: 3},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 2}, EventNID: 2},
		{StateKeyTuple: types.StateKeyTuple{EventTypeNID: 1, EventStateKeyNID: 1}, EventNID: 1},
	}
	sort.Sort(stateEntrySorter(entries))
	assert.True(t, sort.IsSorted(stateEntrySorter(entries)))
	assert.Equal(t, types.EventNID(1), entries[0].EventNID)
}

// frameStore is an in-memory StateResolutionStorage holding a frame chain.
type frameStore struct {
	frames   map[types.StateFrameNID]types.StateFrame
	nextNID  types.StateFrameNID
	addCalls int
}

func newFrameStore() *frameStore {
	return &frameStore{frames: map[types.StateFrameNID]types.StateFrame{}, nextNID: 1}
}

func (f *frameStore) addFrame(parent types.StateFrameNID, appends []types.StateEntry, removes []types.StateKeyTuple) types.StateFrameNID {
	nid := f.nextNID
	f.nextNID++
	f.frames[nid] = types.StateFrame{
		StateFrameNID:       nid,
		ParentStateFrameNID: parent,
		Appends:             appends,
		Removes:             removes,
	}
	return nid
}

func (f *frameStore) StateFrames(_ context.Context, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error) {
	result := make([]types.StateFrame, 0, len(frameNIDs))
	for _, nid := range frameNIDs {
		frame, ok := f.frames[nid]
		if !ok {
			return nil, fmt.Errorf("unknown frame %d", nid)
		}
		result = append(result, frame)
	}
	return result, nil
}

func (f *frameStore) FrameDepth(_ context.Context, frameNID types.StateFrameNID) (int, error) {
	depth := 0
	for nid := frameNID; nid != 0; nid = f.frames[nid].ParentStateFrameNID {
		depth++
	}
	return depth, nil
}

func (f *frameStore) AddState(
	_ context.Context, _ types.RoomNID, parentFrameNID types.StateFrameNID,
	appends []types.StateEntry, removes []types.StateKeyTuple,
) (types.StateFrameNID, error) {
	f.addCalls++
	return f.addFrame(parentFrameNID, appends, removes), nil
}

func (f *frameStore) EventTypeNIDs(context.Context, []string) (map[string]types.EventTypeNID, error) {
	return nil, nil
}

func (f *frameStore) EventStateKeyNIDs(context.Context, []string) (map[string]types.EventStateKeyNID, error) {
	return nil, nil
}

func (f *frameStore) StateAtEventIDs(context.Context, []string) ([]types.StateAtEvent, error) {
	return nil, nil
}

func (f *frameStore) StateEntriesForEventIDs(context.Context, []string, bool) ([]types.StateEntry, error) {
	return nil, nil
}

func (f *frameStore) AuthChains(context.Context, []types.EventNID) (map[types.EventNID][]types.EventNID, error) {
	return nil, nil
}

func (f *frameStore) Events(context.Context, matrix.RoomVersion, []types.EventNID) ([]types.Event, error) {
	return nil, nil
}

func (f *frameStore) EventsFromIDs(context.Context, *types.RoomInfo, []string) ([]types.Event, error) {
	return nil, nil
}

func entry(typeNID types.EventTypeNID, stateKeyNID types.EventStateKeyNID, eventNID types.EventNID) types.StateEntry {
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNID},
		EventNID:      eventNID,
	}
}

func TestLoadStateAtFrame(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	root := store.addFrame(0, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 2),
		entry(5, 2, 3),
	}, nil)
	child := store.addFrame(root, []types.StateEntry{
		entry(2, 1, 4),
	}, []types.StateKeyTuple{
		{EventTypeNID: 5, EventStateKeyNID: 2},
	})

	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{})

	state, err := v.LoadStateAtFrame(context.Background(), child)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 4),
	}, state)

	// The root frame still replays to its original state.
	state, err = v.LoadStateAtFrame(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 2),
		entry(5, 2, 3),
	}, state)
}

func TestDifferenceBetweenStateFrames(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	oldFrame := store.addFrame(0, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 2),
	}, nil)
	newFrame := store.addFrame(oldFrame, []types.StateEntry{
		entry(2, 1, 3),
		entry(3, 1, 4),
	}, nil)

	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{})

	removed, added, err := v.DifferenceBetweenStateFrames(context.Background(), oldFrame, newFrame)
	require.NoError(t, err)
	assert.Equal(t, []types.StateEntry{entry(2, 1, 2)}, removed)
	assert.Equal(t, []types.StateEntry{entry(2, 1, 3), entry(3, 1, 4)}, added)

	removed, added, err = v.DifferenceBetweenStateFrames(context.Background(), oldFrame, oldFrame)
	require.NoError(t, err)
	assert.Nil(t, removed)
	assert.Nil(t, added)
}

func TestDiffStateEntries(t *testing.T) {
	t.Parallel()
	from := []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 2),
		entry(3, 1, 3),
	}
	to := []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 5),
		entry(4, 1, 6),
	}
	appends, removes := diffStateEntries(from, to)
	assert.Equal(t, []types.StateEntry{entry(2, 1, 5), entry(4, 1, 6)}, appends)
	assert.Equal(t, []types.StateKeyTuple{{EventTypeNID: 3, EventStateKeyNID: 1}}, removes)
}

func TestMergeIntoParent(t *testing.T) {
	t.Parallel()
	parent := types.StateFrame{
		Appends: []types.StateEntry{
			entry(1, 1, 1),
			entry(2, 1, 2),
		},
		Removes: []types.StateKeyTuple{
			{EventTypeNID: 9, EventStateKeyNID: 1},
		},
	}
	appends := []types.StateEntry{
		entry(2, 1, 5),
		entry(3, 1, 6),
	}
	removes := []types.StateKeyTuple{
		{EventTypeNID: 1, EventStateKeyNID: 1},
	}

	mergedAppends, mergedRemoves := mergeIntoParent(parent, appends, removes)
	assert.Equal(t, []types.StateEntry{
		entry(2, 1, 5),
		entry(3, 1, 6),
	}, mergedAppends)
	assert.Equal(t, []types.StateKeyTuple{
		{EventTypeNID: 1, EventStateKeyNID: 1},
		{EventTypeNID: 9, EventStateKeyNID: 1},
	}, mergedRemoves)
}

func TestCalcAndSaveStateDeltaThinDiff(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	appends := make([]types.StateEntry, 100)
	for i := range appends {
		appends[i] = entry(types.EventTypeNID(i+100), 1, types.EventNID(i+1))
	}
	parent := store.addFrame(0, appends, nil)

	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{
		MergeBias:     2,
		MaxChainDepth: 3,
	})

	// A one-entry diff over a hundred-entry parent stays a child layer.
	frameNID, err := v.calcAndSaveStateDelta(
		context.Background(), parent,
		[]types.StateEntry{entry(1, 1, 999)}, nil, 1,
	)
	require.NoError(t, err)
	frame := store.frames[frameNID]
	assert.Equal(t, parent, frame.ParentStateFrameNID)
	assert.Len(t, frame.Appends, 1)
}

func TestCalcAndSaveStateDeltaMergesFatDiff(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	parent := store.addFrame(0, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 2),
	}, nil)

	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{
		MergeBias:     2,
		MaxChainDepth: 3,
	})

	// A diff as large as the parent itself gets folded into a new root.
	frameNID, err := v.calcAndSaveStateDelta(
		context.Background(), parent,
		[]types.StateEntry{entry(2, 1, 5), entry(3, 1, 6)}, nil, 1,
	)
	require.NoError(t, err)
	frame := store.frames[frameNID]
	assert.Equal(t, types.StateFrameNID(0), frame.ParentStateFrameNID)
	assert.Equal(t, []types.StateEntry{
		entry(1, 1, 1),
		entry(2, 1, 5),
		entry(3, 1, 6),
	}, frame.Appends)
	assert.Empty(t, frame.Removes)
}

func TestCalcAndSaveStateDeltaDepthCap(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	appends := make([]types.StateEntry, 100)
	for i := range appends {
		appends[i] = entry(types.EventTypeNID(i+100), 1, types.EventNID(i+1))
	}
	root := store.addFrame(0, appends, nil)
	mid := store.addFrame(root, []types.StateEntry{entry(1, 1, 500)}, nil)

	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{
		MergeBias:     2,
		MaxChainDepth: 2,
	})

	// The parent is already at the depth cap, so even a thin diff merges
	// into the parent layer instead of starting a third.
	frameNID, err := v.calcAndSaveStateDelta(
		context.Background(), mid,
		[]types.StateEntry{entry(2, 1, 501)}, nil, 1,
	)
	require.NoError(t, err)
	frame := store.frames[frameNID]
	assert.Equal(t, root, frame.ParentStateFrameNID)
	assert.Equal(t, []types.StateEntry{
		entry(1, 1, 500),
		entry(2, 1, 501),
	}, frame.Appends)
}

func TestCalculateAndStoreStateAfterEventsEmpty(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{})

	frameNID, err := v.CalculateAndStoreStateAfterEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateFrameNID(0), frameNID)
	assert.Zero(t, store.addCalls)
}

func TestCalculateAndStoreStateAfterEventsNonState(t *testing.T) {
	t.Parallel()
	store := newFrameStore()
	parent := store.addFrame(0, []types.StateEntry{entry(1, 1, 1)}, nil)
	v := NewStateResolution(store, &types.RoomInfo{RoomNID: 1}, config.StateCompression{})

	frameNID, err := v.CalculateAndStoreStateAfterEvents(context.Background(), []types.StateAtEvent{
		{BeforeStateFrameNID: parent, StateEntry: entry(0, 0, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, parent, frameNID)
	assert.Zero(t, store.addCalls)
}
