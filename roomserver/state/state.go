// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state manages room state frames: loading the full state held by a
// frame, computing the state before and after events, and running state
// resolution over divergent forks before new frames are written.
package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

// StateResolutionStorage is the subset of the storage API that state frame
// calculation needs. Both the database and a room updater holding an open
// transaction satisfy it.
type StateResolutionStorage interface {
	EventTypeNIDs(ctx context.Context, eventTypes []string) (map[string]types.EventTypeNID, error)
	EventStateKeyNIDs(ctx context.Context, eventStateKeys []string) (map[string]types.EventStateKeyNID, error)
	StateFrames(ctx context.Context, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error)
	FrameDepth(ctx context.Context, frameNID types.StateFrameNID) (int, error)
	AddState(
		ctx context.Context, roomNID types.RoomNID, parentFrameNID types.StateFrameNID,
		appends []types.StateEntry, removes []types.StateKeyTuple,
	) (types.StateFrameNID, error)
	StateAtEventIDs(ctx context.Context, eventIDs []string) ([]types.StateAtEvent, error)
	StateEntriesForEventIDs(ctx context.Context, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error)
	AuthChains(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID][]types.EventNID, error)
	Events(ctx context.Context, roomVersion matrix.RoomVersion, eventNIDs []types.EventNID) ([]types.Event, error)
	EventsFromIDs(ctx context.Context, roomInfo *types.RoomInfo, eventIDs []string) ([]types.Event, error)
}

// A StateResolution calculates and stores state frames for one room.
type StateResolution struct {
	db          StateResolutionStorage
	roomInfo    *types.RoomInfo
	compression config.StateCompression
	events      map[types.EventNID]matrix.PDU
}

func NewStateResolution(db StateResolutionStorage, roomInfo *types.RoomInfo, compression config.StateCompression) StateResolution {
	return StateResolution{
		db:          db,
		roomInfo:    roomInfo,
		compression: compression,
		events:      make(map[types.EventNID]matrix.PDU),
	}
}

// LoadStateAtFrame loads the full room state held by the given frame by
// walking the parent chain from the root down, applying each layer's remove
// set then append set. The result is sorted and has exactly one entry per
// state key tuple.
func (v *StateResolution) LoadStateAtFrame(
	ctx context.Context, stateFrameNID types.StateFrameNID,
) ([]types.StateEntry, error) {
	chain, err := v.loadFrameChain(ctx, stateFrameNID)
	if err != nil {
		return nil, err
	}
	state := map[types.StateKeyTuple]types.EventNID{}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, tuple := range chain[i].Removes {
			delete(state, tuple)
		}
		for _, entry := range chain[i].Appends {
			state[entry.StateKeyTuple] = entry.EventNID
		}
	}
	result := make([]types.StateEntry, 0, len(state))
	for tuple, eventNID := range state {
		result = append(result, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
	}
	sort.Sort(stateEntrySorter(result))
	return result, nil
}

// loadFrameChain returns the frame and its ancestors, leaf first.
func (v *StateResolution) loadFrameChain(
	ctx context.Context, stateFrameNID types.StateFrameNID,
) ([]types.StateFrame, error) {
	var chain []types.StateFrame
	for nid := stateFrameNID; nid != 0; {
		frames, err := v.db.StateFrames(ctx, []types.StateFrameNID{nid})
		if err != nil {
			return nil, err
		}
		chain = append(chain, frames[0])
		nid = frames[0].ParentStateFrameNID
	}
	return chain, nil
}

// LoadStateAtEvent loads the full room state before the given event.
func (v *StateResolution) LoadStateAtEvent(
	ctx context.Context, eventID string,
) ([]types.StateEntry, error) {
	stateAtEvents, err := v.db.StateAtEventIDs(ctx, []string{eventID})
	if err != nil {
		return nil, err
	}
	stateFrameNID := stateAtEvents[0].BeforeStateFrameNID
	if stateFrameNID == 0 {
		return nil, types.MissingStateError(
			fmt.Sprintf("strategy: missing state for event NID %d", stateAtEvents[0].EventNID),
		)
	}
	return v.LoadStateAtFrame(ctx, stateFrameNID)
}

// LoadStateAtEventForHistoryVisibility is LoadStateAtEvent restricted to the
// tuples history visibility checks care about. The full state is loaded and
// filtered since frame replay is already cheap.
func (v *StateResolution) LoadStateAtEventForHistoryVisibility(
	ctx context.Context, eventID string,
) ([]types.StateEntry, error) {
	return v.LoadStateAtEvent(ctx, eventID)
}

// LoadCombinedStateAfterEvents loads the state after each of the given
// events and concatenates the results. Entries for the same state key tuple
// from different forks are all retained, so the result may contain
// conflicts.
func (v *StateResolution) LoadCombinedStateAfterEvents(
	ctx context.Context, prevStates []types.StateAtEvent,
) ([]types.StateEntry, error) {
	frameNIDs := make([]types.StateFrameNID, 0, len(prevStates))
	for _, state := range prevStates {
		if state.BeforeStateFrameNID != 0 {
			frameNIDs = append(frameNIDs, state.BeforeStateFrameNID)
		}
	}
	// UniqueStateFrameNIDs returns the NIDs sorted, so the list built here
	// is sorted too and binary search lookups are safe.
	uniqueFrameNIDs := types.UniqueStateFrameNIDs(frameNIDs)
	stateByFrame := make(stateEntryListMap, 0, len(uniqueFrameNIDs))
	for _, frameNID := range uniqueFrameNIDs {
		entries, err := v.LoadStateAtFrame(ctx, frameNID)
		if err != nil {
			return nil, err
		}
		stateByFrame = append(stateByFrame, types.StateEntryList{
			StateFrameNID: frameNID,
			StateEntries:  entries,
		})
	}

	var combined []types.StateEntry
	for _, prevState := range prevStates {
		state, _ := stateByFrame.lookup(prevState.BeforeStateFrameNID)
		if prevState.IsStateEvent() && !prevState.IsRejected {
			// The event itself overrides whatever the tuple held before it.
			overridden := false
			for _, entry := range state {
				if entry.StateKeyTuple == prevState.StateKeyTuple {
					overridden = true
					combined = append(combined, prevState.StateEntry)
				} else {
					combined = append(combined, entry)
				}
			}
			if !overridden {
				combined = append(combined, prevState.StateEntry)
			}
		} else {
			combined = append(combined, state...)
		}
	}

	return types.DeduplicateStateEntries(combined), nil
}

// LoadStateAtFrameForStringTuples loads the subset of the state at the frame
// matching the given (event type, state key) pairs.
func (v *StateResolution) LoadStateAtFrameForStringTuples(
	ctx context.Context, stateFrameNID types.StateFrameNID, stateKeyTuples []matrix.StateKeyTuple,
) ([]types.StateEntry, error) {
	numericTuples, err := v.stringTuplesToNumericTuples(ctx, stateKeyTuples)
	if err != nil {
		return nil, err
	}
	return v.loadStateAtFrameForNumericTuples(ctx, stateFrameNID, numericTuples)
}

// stringTuplesToNumericTuples converts the string tuples to numeric NID
// tuples. Tuples for unknown event types or state keys are omitted, since
// an uninterned tuple cannot appear in any stored state.
func (v *StateResolution) stringTuplesToNumericTuples(
	ctx context.Context, stringTuples []matrix.StateKeyTuple,
) ([]types.StateKeyTuple, error) {
	eventTypes := make([]string, len(stringTuples))
	stateKeys := make([]string, len(stringTuples))
	for i := range stringTuples {
		eventTypes[i] = stringTuples[i].EventType
		stateKeys[i] = stringTuples[i].StateKey
	}
	eventTypes = uniqueStrings(eventTypes)
	eventTypeMap, err := v.db.EventTypeNIDs(ctx, eventTypes)
	if err != nil {
		return nil, err
	}
	stateKeys = uniqueStrings(stateKeys)
	stateKeyMap, err := v.db.EventStateKeyNIDs(ctx, stateKeys)
	if err != nil {
		return nil, err
	}
	var result []types.StateKeyTuple
	for _, tuple := range stringTuples {
		eventTypeNID, ok1 := eventTypeMap[tuple.EventType]
		stateKeyNID, ok2 := stateKeyMap[tuple.StateKey]
		if ok1 && ok2 {
			result = append(result, types.StateKeyTuple{
				EventTypeNID:     eventTypeNID,
				EventStateKeyNID: stateKeyNID,
			})
		}
	}
	return result, nil
}

func (v *StateResolution) loadStateAtFrameForNumericTuples(
	ctx context.Context, stateFrameNID types.StateFrameNID, stateKeyTuples []types.StateKeyTuple,
) ([]types.StateEntry, error) {
	fullState, err := v.LoadStateAtFrame(ctx, stateFrameNID)
	if err != nil {
		return nil, err
	}
	// The full state is sorted with one entry per tuple, so each requested
	// tuple resolves with a binary search.
	entries := stateEntryMap(fullState)
	sorter := types.StateKeyTupleSorter(stateKeyTuples)
	sort.Sort(sorter)
	var result []types.StateEntry
	for i, tuple := range sorter {
		if i > 0 && tuple == sorter[i-1] {
			continue
		}
		if eventNID, ok := entries.lookup(tuple); ok {
			result = append(result, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
		}
	}
	return result, nil
}

// LoadStateAfterEventsForStringTuples loads the subset of the state after
// the given events matching the given (event type, state key) pairs. If the
// events diverge, the conflicts are resolved before filtering.
func (v *StateResolution) LoadStateAfterEventsForStringTuples(
	ctx context.Context, roomNID types.RoomNID,
	prevStates []types.StateAtEvent, stateKeyTuples []matrix.StateKeyTuple,
) ([]types.StateEntry, error) {
	numericTuples, err := v.stringTuplesToNumericTuples(ctx, stateKeyTuples)
	if err != nil {
		return nil, err
	}
	if len(prevStates) == 1 {
		prevState := prevStates[0]
		if prevState.BeforeStateFrameNID == 0 {
			return nil, types.MissingStateError(
				fmt.Sprintf("strategy: missing state for event NID %d", prevState.EventNID),
			)
		}
		result, err := v.loadStateAtFrameForNumericTuples(ctx, prevState.BeforeStateFrameNID, numericTuples)
		if err != nil {
			return nil, err
		}
		if prevState.IsStateEvent() && !prevState.IsRejected {
			for i := range result {
				if result[i].StateKeyTuple == prevState.StateKeyTuple {
					result[i] = prevState.StateEntry
				}
			}
		}
		return result, nil
	}
	state, err := v.calculateStateAfterManyEvents(ctx, v.roomInfo.RoomVersion, prevStates)
	if err != nil {
		return nil, err
	}
	sorter := types.StateKeyTupleSorter(numericTuples)
	sort.Sort(sorter)
	var result []types.StateEntry
	for _, entry := range state {
		if sorter.Contains(entry.StateKeyTuple) {
			result = append(result, entry)
		}
	}
	return result, nil
}

// DifferenceBetweenStateFrames works out the entries added to and removed
// from the old frame to get the new frame.
func (v *StateResolution) DifferenceBetweenStateFrames(
	ctx context.Context, oldStateNID, newStateNID types.StateFrameNID,
) (removed, added []types.StateEntry, err error) {
	if oldStateNID == newStateNID {
		return nil, nil, nil
	}
	var oldEntries, newEntries []types.StateEntry
	if oldStateNID != 0 {
		if oldEntries, err = v.LoadStateAtFrame(ctx, oldStateNID); err != nil {
			return nil, nil, err
		}
	}
	if newStateNID != 0 {
		if newEntries, err = v.LoadStateAtFrame(ctx, newStateNID); err != nil {
			return nil, nil, err
		}
	}
	// Both lists are sorted, so walk them together.
	var i, j int
	for i < len(oldEntries) && j < len(newEntries) {
		switch {
		case oldEntries[i] == newEntries[j]:
			i++
			j++
		case oldEntries[i].LessThan(newEntries[j]):
			removed = append(removed, oldEntries[i])
			i++
		default:
			added = append(added, newEntries[j])
			j++
		}
	}
	removed = append(removed, oldEntries[i:]...)
	added = append(added, newEntries[j:]...)
	return removed, added, nil
}

// stateKeyTuplesNeeded maps the auth state the event needs to numeric state
// key tuples.
func (v *StateResolution) stateKeyTuplesNeeded(
	stateKeyNIDMap map[string]types.EventStateKeyNID, stateNeeded matrix.StateNeeded,
) []types.StateKeyTuple {
	var stateKeyTuples []types.StateKeyTuple
	if stateNeeded.Create {
		stateKeyTuples = append(stateKeyTuples, types.StateKeyTuple{
			EventTypeNID:     types.MRoomCreateNID,
			EventStateKeyNID: types.EmptyStateKeyNID,
		})
	}
	if stateNeeded.PowerLevels {
		stateKeyTuples = append(stateKeyTuples, types.StateKeyTuple{
			EventTypeNID:     types.MRoomPowerLevelsNID,
			EventStateKeyNID: types.EmptyStateKeyNID,
		})
	}
	if stateNeeded.JoinRules {
		stateKeyTuples = append(stateKeyTuples, types.StateKeyTuple{
			EventTypeNID:     types.MRoomJoinRulesNID,
			EventStateKeyNID: types.EmptyStateKeyNID,
		})
	}
	for _, member := range stateNeeded.Member {
		stateKeyNID, ok := stateKeyNIDMap[member]
		if ok {
			stateKeyTuples = append(stateKeyTuples, types.StateKeyTuple{
				EventTypeNID:     types.MRoomMemberNID,
				EventStateKeyNID: stateKeyNID,
			})
		}
	}
	for _, token := range stateNeeded.ThirdPartyInvite {
		stateKeyNID, ok := stateKeyNIDMap[token]
		if ok {
			stateKeyTuples = append(stateKeyTuples, types.StateKeyTuple{
				EventTypeNID:     types.MRoomThirdPartyInviteNID,
				EventStateKeyNID: stateKeyNID,
			})
		}
	}
	return stateKeyTuples
}

// LoadStateEntriesForAuth returns the subset of the state at the frame
// needed to authorise an event with the given auth state requirements.
func (v *StateResolution) LoadStateEntriesForAuth(
	ctx context.Context, stateFrameNID types.StateFrameNID, stateNeeded matrix.StateNeeded,
) ([]types.StateEntry, error) {
	var stateKeys []string
	stateKeys = append(stateKeys, stateNeeded.Member...)
	stateKeys = append(stateKeys, stateNeeded.ThirdPartyInvite...)
	stateKeyNIDMap, err := v.db.EventStateKeyNIDs(ctx, uniqueStrings(stateKeys))
	if err != nil {
		return nil, err
	}
	tuples := v.stateKeyTuplesNeeded(stateKeyNIDMap, stateNeeded)
	return v.loadStateAtFrameForNumericTuples(ctx, stateFrameNID, tuples)
}

var calculateStateDurations = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "construct",
		Subsystem: "roomserver",
		Name:      "calculate_state_duration_seconds",
		Help:      "How long it takes to calculate the state after a set of events",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2.0, 16),
	},
	[]string{"algorithm"},
)

func init() {
	prometheus.MustRegister(calculateStateDurations)
}

// CalculateAndStoreStateBeforeEvent calculates a frame containing the state
// before the event and stores it, returning the NID of the stored frame.
func (v *StateResolution) CalculateAndStoreStateBeforeEvent(
	ctx context.Context, event matrix.PDU,
) (types.StateFrameNID, error) {
	prevStates, err := v.db.StateAtEventIDs(ctx, event.PrevEventIDs())
	if err != nil {
		return 0, err
	}
	return v.CalculateAndStoreStateAfterEvents(ctx, prevStates)
}

// CalculateAndStoreStateAfterEvents finds the frame for the room state after
// the given events, storing a new frame if the result is not already stored.
func (v *StateResolution) CalculateAndStoreStateAfterEvents(
	ctx context.Context, prevStates []types.StateAtEvent,
) (types.StateFrameNID, error) {
	start := time.Now()

	if len(prevStates) == 0 {
		// The first event in the room: the state before it is empty, and the
		// empty state is represented by the reserved frame NID 0.
		calculateStateDurations.WithLabelValues("empty_state").Observe(time.Since(start).Seconds())
		return 0, nil
	}

	if len(prevStates) == 1 {
		prevState := prevStates[0]
		if !prevState.IsStateEvent() || prevState.IsRejected {
			// The previous event changed nothing, so the state after it is
			// the state before it.
			calculateStateDurations.WithLabelValues("no_change").Observe(time.Since(start).Seconds())
			return prevState.BeforeStateFrameNID, nil
		}
		// One previous state event: the new state is the old state with one
		// entry appended.
		frameNID, err := v.calcAndSaveStateDelta(
			ctx, prevState.BeforeStateFrameNID,
			[]types.StateEntry{prevState.StateEntry}, nil, 1,
		)
		calculateStateDurations.WithLabelValues("single_delta").Observe(time.Since(start).Seconds())
		return frameNID, err
	}

	frameNID, err := v.calculateAndStoreStateAfterManyEvents(ctx, prevStates)
	calculateStateDurations.WithLabelValues("resolution").Observe(time.Since(start).Seconds())
	return frameNID, err
}

func (v *StateResolution) calculateAndStoreStateAfterManyEvents(
	ctx context.Context, prevStates []types.StateAtEvent,
) (types.StateFrameNID, error) {
	state, err := v.calculateStateAfterManyEvents(ctx, v.roomInfo.RoomVersion, prevStates)
	if err != nil {
		return 0, err
	}

	// Diff the resolved state against the first fork's frame so the common
	// case of a quickly-healed fork stores a thin layer, not a full frame.
	parentFrameNID := prevStates[0].BeforeStateFrameNID
	var parentState []types.StateEntry
	if parentFrameNID != 0 {
		if parentState, err = v.LoadStateAtFrame(ctx, parentFrameNID); err != nil {
			return 0, err
		}
	}
	appends, removes := diffStateEntries(parentState, state)
	return v.calcAndSaveStateDelta(ctx, parentFrameNID, appends, removes, int64(len(appends)+len(removes)))
}

// diffStateEntries computes the append and remove sets that turn the sorted
// entry list from into the sorted entry list to.
func diffStateEntries(from, to []types.StateEntry) (appends []types.StateEntry, removes []types.StateKeyTuple) {
	fromMap := make(map[types.StateKeyTuple]types.EventNID, len(from))
	for _, entry := range from {
		fromMap[entry.StateKeyTuple] = entry.EventNID
	}
	toMap := make(map[types.StateKeyTuple]types.EventNID, len(to))
	for _, entry := range to {
		toMap[entry.StateKeyTuple] = entry.EventNID
		if eventNID, ok := fromMap[entry.StateKeyTuple]; !ok || eventNID != entry.EventNID {
			appends = append(appends, entry)
		}
	}
	for _, entry := range from {
		if _, ok := toMap[entry.StateKeyTuple]; !ok {
			removes = append(removes, entry.StateKeyTuple)
		}
	}
	sort.Sort(stateEntrySorter(appends))
	sort.Sort(types.StateKeyTupleSorter(removes))
	return appends, removes
}

// calcAndSaveStateDelta stores the state described by applying the given
// removes then appends to the parent frame. Thin diffs become a new child
// layer; disproportionately large diffs are merged into the parent layer and
// the decision repeats one layer up, so replay cost stays bounded. A hard
// depth cap forces the merge regardless of the cost heuristic.
func (v *StateResolution) calcAndSaveStateDelta(
	ctx context.Context, parentFrameNID types.StateFrameNID,
	appends []types.StateEntry, removes []types.StateKeyTuple, diffToSibling int64,
) (types.StateFrameNID, error) {
	if parentFrameNID == 0 {
		// No parent: the appends are the full state of a new root frame.
		return v.db.AddState(ctx, v.roomInfo.RoomNID, 0, types.DeduplicateStateEntries(appends), nil)
	}

	frames, err := v.db.StateFrames(ctx, []types.StateFrameNID{parentFrameNID})
	if err != nil {
		return 0, err
	}
	parent := frames[0]
	parentDepth, err := v.db.FrameDepth(ctx, parentFrameNID)
	if err != nil {
		return 0, err
	}

	diff := int64(len(appends) + len(removes))
	parentDiff := int64(parent.DiffSize())
	mergeBias := v.compression.MergeBias
	if mergeBias < 1 {
		mergeBias = 1
	}
	tooDeep := v.compression.MaxChainDepth > 0 && parentDepth >= v.compression.MaxChainDepth
	tooFat := diff*diff >= mergeBias*diffToSibling*parentDiff

	if !tooDeep && !tooFat {
		return v.db.AddState(ctx, v.roomInfo.RoomNID, parentFrameNID, appends, removes)
	}

	// Merge this diff into the parent layer and try again one layer up.
	mergedAppends, mergedRemoves := mergeIntoParent(parent, appends, removes)
	return v.calcAndSaveStateDelta(ctx, parent.ParentStateFrameNID, mergedAppends, mergedRemoves, parentDiff)
}

// mergeIntoParent computes the single layer over the parent's own parent
// that has the same effect as applying the parent layer and then the given
// diff.
func mergeIntoParent(
	parent types.StateFrame, appends []types.StateEntry, removes []types.StateKeyTuple,
) ([]types.StateEntry, []types.StateKeyTuple) {
	removed := make(map[types.StateKeyTuple]struct{}, len(removes))
	for _, tuple := range removes {
		removed[tuple] = struct{}{}
	}
	merged := make(map[types.StateKeyTuple]types.EventNID, len(parent.Appends)+len(appends))
	for _, entry := range parent.Appends {
		if _, ok := removed[entry.StateKeyTuple]; !ok {
			merged[entry.StateKeyTuple] = entry.EventNID
		}
	}
	for _, entry := range appends {
		merged[entry.StateKeyTuple] = entry.EventNID
	}

	mergedAppends := make([]types.StateEntry, 0, len(merged))
	for tuple, eventNID := range merged {
		mergedAppends = append(mergedAppends, types.StateEntry{StateKeyTuple: tuple, EventNID: eventNID})
	}
	sort.Sort(stateEntrySorter(mergedAppends))

	removeSet := make(map[types.StateKeyTuple]struct{}, len(parent.Removes)+len(removes))
	for _, tuple := range parent.Removes {
		removeSet[tuple] = struct{}{}
	}
	for _, tuple := range removes {
		removeSet[tuple] = struct{}{}
	}
	var mergedRemoves []types.StateKeyTuple
	for tuple := range removeSet {
		if _, ok := merged[tuple]; !ok {
			mergedRemoves = append(mergedRemoves, tuple)
		}
	}
	sort.Sort(types.StateKeyTupleSorter(mergedRemoves))
	return mergedAppends, mergedRemoves
}

// calculateStateAfterManyEvents loads the state after each event, finds the
// state key tuples the forks disagree on and runs state resolution over
// them.
func (v *StateResolution) calculateStateAfterManyEvents(
	ctx context.Context, roomVersion matrix.RoomVersion, prevStates []types.StateAtEvent,
) ([]types.StateEntry, error) {
	combined, err := v.LoadCombinedStateAfterEvents(ctx, prevStates)
	if err != nil {
		return nil, fmt.Errorf("v.LoadCombinedStateAfterEvents: %w", err)
	}

	sort.Sort(stateEntryByStateKeySorter(combined))
	conflicts := findDuplicateStateKeys(combined)

	if len(conflicts) == 0 {
		return combined, nil
	}

	// The unconflicted entries are those not in the conflict list.
	conflictSet := make(map[types.StateEntry]struct{}, len(conflicts))
	for _, entry := range conflicts {
		conflictSet[entry] = struct{}{}
	}
	var unconflicted []types.StateEntry
	for _, entry := range combined {
		if _, ok := conflictSet[entry]; !ok {
			unconflicted = append(unconflicted, entry)
		}
	}

	resolved, err := v.resolveConflicts(ctx, roomVersion, unconflicted, conflicts)
	if err != nil {
		return nil, fmt.Errorf("v.resolveConflicts: %w", err)
	}
	return resolved, nil
}

// resolveConflicts runs state resolution v2 over the conflicted entries,
// feeding it the auth difference of the conflicted events, and returns the
// full resolved state sorted by state key tuple.
func (v *StateResolution) resolveConflicts(
	ctx context.Context, version matrix.RoomVersion,
	unconflicted, conflicted []types.StateEntry,
) ([]types.StateEntry, error) {
	conflictedEvents, err := v.loadStateEvents(ctx, version, conflicted)
	if err != nil {
		return nil, err
	}
	unconflictedEvents, err := v.loadStateEvents(ctx, version, unconflicted)
	if err != nil {
		return nil, err
	}

	authDifference, err := v.loadAuthDifference(ctx, version, conflicted)
	if err != nil {
		return nil, err
	}

	resolvedEvents := matrix.ResolveStateConflictsV2(conflictedEvents, unconflictedEvents, authDifference)

	// Map the winning events back to state entries. Every resolved event
	// came from the conflicted or unconflicted sets, so its NID is known.
	nidByEventID := make(map[string]types.EventNID, len(v.events))
	for nid, event := range v.events {
		nidByEventID[event.EventID()] = nid
	}
	tupleByNID := make(map[types.EventNID]types.StateKeyTuple, len(conflicted)+len(unconflicted))
	for _, entry := range conflicted {
		tupleByNID[entry.EventNID] = entry.StateKeyTuple
	}
	for _, entry := range unconflicted {
		tupleByNID[entry.EventNID] = entry.StateKeyTuple
	}

	resolved := make([]types.StateEntry, 0, len(resolvedEvents))
	for _, event := range resolvedEvents {
		nid, ok := nidByEventID[event.EventID()]
		if !ok {
			return nil, fmt.Errorf("resolveConflicts: unknown resolved event %q", event.EventID())
		}
		tuple, ok := tupleByNID[nid]
		if !ok {
			continue
		}
		resolved = append(resolved, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
	}
	resolved = types.DeduplicateStateEntries(resolved)
	sort.Sort(stateEntrySorter(resolved))
	return resolved, nil
}

// loadAuthDifference loads the events in the auth difference of the
// conflicted events: the union of their auth chains minus the intersection.
func (v *StateResolution) loadAuthDifference(
	ctx context.Context, version matrix.RoomVersion, conflicted []types.StateEntry,
) ([]matrix.PDU, error) {
	eventNIDs := make([]types.EventNID, len(conflicted))
	for i := range conflicted {
		eventNIDs[i] = conflicted[i].EventNID
	}
	chains, err := v.db.AuthChains(ctx, eventNIDs)
	if err != nil {
		return nil, err
	}

	counts := map[types.EventNID]int{}
	chainCount := 0
	for _, chain := range chains {
		chainCount++
		seen := make(map[types.EventNID]struct{}, len(chain))
		for _, nid := range chain {
			if _, ok := seen[nid]; ok {
				continue
			}
			seen[nid] = struct{}{}
			counts[nid]++
		}
	}
	var difference []types.EventNID
	for nid, count := range counts {
		if count < chainCount {
			difference = append(difference, nid)
		}
	}
	sort.Slice(difference, func(i, j int) bool { return difference[i] < difference[j] })

	events, err := v.db.Events(ctx, version, difference)
	if err != nil {
		return nil, err
	}
	result := make([]matrix.PDU, len(events))
	for i := range events {
		v.events[events[i].EventNID] = events[i].PDU
		result[i] = events[i].PDU
	}
	return result, nil
}

// loadStateEvents loads the events for the given entries, remembering them
// for the NID mapping after resolution.
func (v *StateResolution) loadStateEvents(
	ctx context.Context, version matrix.RoomVersion, entries []types.StateEntry,
) ([]matrix.PDU, error) {
	eventNIDs := make([]types.EventNID, 0, len(entries))
	for _, entry := range entries {
		if _, ok := v.events[entry.EventNID]; !ok {
			eventNIDs = append(eventNIDs, entry.EventNID)
		}
	}
	events, err := v.db.Events(ctx, version, eventNIDs)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		v.events[event.EventNID] = event.PDU
	}
	result := make([]matrix.PDU, 0, len(entries))
	for _, entry := range entries {
		event, ok := v.events[entry.EventNID]
		if !ok {
			return nil, types.MissingEventError(
				fmt.Sprintf("strategy: failed to load event %d", entry.EventNID),
			)
		}
		result = append(result, event)
	}
	return result, nil
}

// findDuplicateStateKeys finds the state entries whose state key tuple
// appears more than once. The input must be sorted by state key tuple.
func findDuplicateStateKeys(a []types.StateEntry) []types.StateEntry {
	var result []types.StateEntry
	for i := 0; i+1 < len(a); i++ {
		if a[i].StateKeyTuple != a[i+1].StateKeyTuple {
			continue
		}
		// Cover the full run of entries with this tuple.
		j := i + 1
		for j < len(a) && a[j].StateKeyTuple == a[i].StateKeyTuple {
			j++
		}
		result = append(result, a[i:j]...)
		i = j - 1
	}
	return result
}

func uniqueStrings(a []string) []string {
	sort.Strings(a)
	return a[:unique(sort.StringSlice(a))]
}

// unique removes duplicate items from a sorted list, returning the length
// of the deduplicated prefix. The input must be fully sorted.
func unique(a sort.Interface) int {
	if a.Len() == 0 {
		return 0
	}
	lastUnique := 0
	for i := 1; i < a.Len(); i++ {
		if a.Less(lastUnique, i) {
			lastUnique++
			a.Swap(lastUnique, i)
		}
	}
	return lastUnique + 1
}

type stateEntrySorter []types.StateEntry

func (s stateEntrySorter) Len() int           { return len(s) }
func (s stateEntrySorter) Less(i, j int) bool { return s[i].LessThan(s[j]) }
func (s stateEntrySorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

type stateEntryByStateKeySorter []types.StateEntry

func (s stateEntryByStateKeySorter) Len() int { return len(s) }
func (s stateEntryByStateKeySorter) Less(i, j int) bool {
	return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
}
func (s stateEntryByStateKeySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

type stateEntryMap []types.StateEntry

// lookup an entry in the event map. The map must be sorted.
func (m stateEntryMap) lookup(stateKey types.StateKeyTuple) (eventNID types.EventNID, ok bool) {
	list := []types.StateEntry(m)
	i := sort.Search(len(list), func(i int) bool {
		return !list[i].StateKeyTuple.LessThan(stateKey)
	})
	if i < len(list) && list[i].StateKeyTuple == stateKey {
		ok = true
		eventNID = list[i].EventNID
	}
	return
}

type stateEntryListMap []types.StateEntryList

// lookup an entry in the frame entry list map. The map must be sorted.
func (m stateEntryListMap) lookup(stateFrameNID types.StateFrameNID) (stateEntries []types.StateEntry, ok bool) {
	list := []types.StateEntryList(m)
	i := sort.Search(len(list), func(i int) bool {
		return list[i].StateFrameNID >= stateFrameNID
	})
	if i < len(list) && list[i].StateFrameNID == stateFrameNID {
		ok = true
		stateEntries = list[i].StateEntries
	}
	return
}
