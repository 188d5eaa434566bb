// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types provides the types that are used internally within the
// roomserver.
package types

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/construct/matrix"
)

// EventTypeNID is a numeric ID for an event type.
type EventTypeNID int64

// EventStateKeyNID is a numeric ID for an event state_key.
type EventStateKeyNID int64

// EventNID is the numeric ID for an event. It doubles as the event's
// sequence number ("sn"): it is allocated the first time the server becomes
// aware of the event ID, even before the event content arrives, and is
// strictly increasing in arrival order.
type EventNID int64

// RoomNID is a numeric ID for a room.
type RoomNID int64

// StateFrameNID is a numeric ID for a state frame: a compressed snapshot of
// the room state at an event, stored as a chain of diffs against a parent
// frame.
type StateFrameNID int64

// EmptyStateKeyNID is the numeric ID for the empty state key.
const EmptyStateKeyNID = 1

// Numeric IDs for the event types the auth rules consult. These are
// pre-assigned so that the well-known types share the same NID on every
// server instance, which lets the hot path skip the interning table.
const (
	MRoomCreateNID EventTypeNID = iota + 1
	MRoomPowerLevelsNID
	MRoomJoinRulesNID
	MRoomThirdPartyInviteNID
	MRoomMemberNID
	MRoomRedactionNID
	MRoomHistoryVisibilityNID
)

// StateKeyTuple is the combination of an event type and an event state key.
// It is used as a key in maps of room state.
type StateKeyTuple struct {
	// The numeric ID for the event type.
	EventTypeNID EventTypeNID
	// The numeric ID for the state key.
	EventStateKeyNID EventStateKeyNID
}

// LessThan returns true if this tuple is less than the other tuple.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// IsCreate reports whether this tuple is for the room create event.
func (a StateKeyTuple) IsCreate() bool {
	return a.EventTypeNID == MRoomCreateNID && a.EventStateKeyNID == EmptyStateKeyNID
}

// A StateKeyTupleSorter sorts state key tuples in ascending order.
type StateKeyTupleSorter []StateKeyTuple

func (s StateKeyTupleSorter) Len() int           { return len(s) }
func (s StateKeyTupleSorter) Less(a, b int) bool { return s[a].LessThan(s[b]) }
func (s StateKeyTupleSorter) Swap(a, b int)      { s[a], s[b] = s[b], s[a] }

// Contains checks whether a given value is present in the sorted list.
func (s StateKeyTupleSorter) Contains(value StateKeyTuple) bool {
	i := sort.Search(len(s), func(i int) bool {
		return !s[i].LessThan(value)
	})
	return i < len(s) && s[i] == value
}

// A StateEntry is an entry in the room state of a matrix room: one state key
// tuple and the event currently holding it.
type StateEntry struct {
	StateKeyTuple
	// The numeric ID for the event.
	EventNID EventNID
}

// LessThan returns true if this state entry is less than the other state entry.
// The ordering is arbitrary and is used to implement binary search and to
// efficiently deduplicate entries.
func (a StateEntry) LessThan(b StateEntry) bool {
	if a.StateKeyTuple != b.StateKeyTuple {
		return a.StateKeyTuple.LessThan(b.StateKeyTuple)
	}
	return a.EventNID < b.EventNID
}

// DeduplicateStateEntries takes a list of state entries and ensures that
// there are no duplicates. The returned list is sorted.
func DeduplicateStateEntries(a []StateEntry) []StateEntry {
	if len(a) < 2 {
		return a
	}
	sort.SliceStable(a, func(i, j int) bool {
		return a[i].LessThan(a[j])
	})
	for i := 0; i < len(a)-1; i++ {
		if a[i] == a[i+1] {
			a = append(a[:i], a[i+1:]...)
			i--
		}
	}
	return a
}

// StateAtEvent is the state before and after a matrix event.
type StateAtEvent struct {
	// The state before the event.
	BeforeStateFrameNID StateFrameNID
	// True if this StateEntry is rejected. State resolution should then
	// treat this entry as being a message event (a non-state event).
	IsRejected bool
	// The state entry for the event itself, allows us to calculate the state
	// after the event from the state before the event.
	StateEntry
}

// IsStateEvent returns whether the event the state is at is a state event.
func (s StateAtEvent) IsStateEvent() bool {
	return s.EventStateKeyNID != 0
}

// StateAtEventAndReference is StateAtEvent and the event ID.
type StateAtEventAndReference struct {
	StateAtEvent
	EventID string
}

// StateAtEventAndReferences is a wrapper of []StateAtEventAndReference
// so we can sort by EventID.
type StateAtEventAndReferences []StateAtEventAndReference

func (s StateAtEventAndReferences) Less(a, b int) bool {
	return s[a].EventID < s[b].EventID
}

func (s StateAtEventAndReferences) Len() int { return len(s) }

func (s StateAtEventAndReferences) Swap(a, b int) {
	s[a], s[b] = s[b], s[a]
}

func (s StateAtEventAndReferences) EventIDs() string {
	strs := make([]string, 0, len(s))
	for _, r := range s {
		strs = append(strs, r.EventID)
	}
	return "[" + fmt.Sprint(strs) + "]"
}

// An Event is a matrix room event paired with its numeric ID.
type Event struct {
	EventNID EventNID
	matrix.PDU
}

// CacheCost estimates the in-memory size of the event for the cost-based
// event cache.
func (e *Event) CacheCost() int {
	return int(len(e.EventID()) +
		len(e.JSON()) +
		8, // EventNID
	)
}

// HeaderedEvent is an event wrapper carrying the fields the roomserver
// attaches on top of the wire form, currently only the visibility.
type HeaderedEvent struct {
	matrix.PDU
	Visibility string
}

func (h *HeaderedEvent) CacheCost() int {
	return int(len(h.EventID()) +
		len(h.JSON()) +
		len(h.Visibility),
	)
}

// MarshalJSON annotates the wire JSON with the room version and event ID so
// that the event survives a trip through JetStream, where neither is
// recoverable from the event body alone.
func (h *HeaderedEvent) MarshalJSON() ([]byte, error) {
	eventJSON, err := sjson.SetBytes(h.PDU.JSON(), "_room_version", string(h.PDU.Version()))
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(eventJSON, "_event_id", h.PDU.EventID())
}

func (h *HeaderedEvent) UnmarshalJSON(data []byte) error {
	eventID := gjson.GetBytes(data, "_event_id").String()
	roomVersion := matrix.RoomVersion(gjson.GetBytes(data, "_room_version").String())
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return err
	}
	if data, err = sjson.DeleteBytes(data, "_event_id"); err != nil {
		return err
	}
	if data, err = sjson.DeleteBytes(data, "_room_version"); err != nil {
		return err
	}
	ev, err := matrix.NewEventFromTrustedJSONWithEventID(eventID, data, false, verImpl)
	if err != nil {
		return err
	}
	h.PDU = ev
	return nil
}

// RedactionInfo pairs a redaction with its target. The pair is stored as soon
// as either half arrives and validated once both are present, since the two
// can arrive in either order.
type RedactionInfo struct {
	// whether this redaction is validated (we have both events)
	Validated bool
	// the ID of the event being redacted
	RedactsEventID string
	// the ID of the redaction event
	RedactionEventID string
}

// StateFrame is one layer in a room's state diff chain: the set of entries
// appended and the tuples removed relative to the parent frame. A frame with
// ParentStateFrameNID of zero is a root frame and Appends holds the full
// state.
type StateFrame struct {
	StateFrameNID       StateFrameNID
	ParentStateFrameNID StateFrameNID
	Appends             []StateEntry
	Removes             []StateKeyTuple
}

// DiffSize returns the cost of this frame for the merge heuristic.
func (f *StateFrame) DiffSize() int {
	return len(f.Appends) + len(f.Removes)
}

// StateEntryList is a list of state entries at a particular frame.
type StateEntryList struct {
	StateFrameNID StateFrameNID
	StateEntries  []StateEntry
}

// RoomInfo contains the version information and the current frame pointer
// for a room. The frame pointer is swapped atomically under the per-room
// lock after every accepted state event, so access goes through the mutex.
type RoomInfo struct {
	RoomNID     RoomNID
	RoomVersion matrix.RoomVersion

	mu               sync.RWMutex
	stateFrameNID    StateFrameNID
	isStub           bool
	lastEventSentNID EventNID
}

// ErrorInvalidRoomInfo is returned by storage when a room info row is needed
// but missing.
var ErrorInvalidRoomInfo = fmt.Errorf("room info is invalid")

func (r *RoomInfo) StateFrameNID() StateFrameNID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stateFrameNID
}

func (r *RoomInfo) SetStateFrameNID(frameNID StateFrameNID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFrameNID = frameNID
	r.isStub = false
}

// IsStub reports whether the room is known only through outliers: the
// server has the room row but no resolved state yet.
func (r *RoomInfo) IsStub() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isStub
}

func (r *RoomInfo) SetIsStub(isStub bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isStub = isStub
}

func (r *RoomInfo) LastEventSentNID() EventNID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastEventSentNID
}

func (r *RoomInfo) SetLastEventSentNID(eventNID EventNID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEventSentNID = eventNID
}

func (r *RoomInfo) CopyFrom(r2 *RoomInfo) {
	r.RoomNID = r2.RoomNID
	r.RoomVersion = r2.RoomVersion
	r.SetStateFrameNID(r2.StateFrameNID())
	r.SetIsStub(r2.IsStub())
	r.SetLastEventSentNID(r2.LastEventSentNID())
}

// A MissingEventError is an error returned when the roomserver is missing an
// event that it needs to continue.
type MissingEventError string

func (e MissingEventError) Error() string { return string(e) }

// A MissingStateError is an error returned when the roomserver is missing
// the state for an event, for example because it was fetched as an outlier.
type MissingStateError string

func (e MissingStateError) Error() string { return string(e) }

// A RejectedError is returned when an event is stored as rejected. The error
// contains the reason why.
type RejectedError string

func (e RejectedError) Error() string { return string(e) }

// ErrFrameNotFound is returned when walking a state frame chain reaches a
// frame NID with no stored row, meaning the chain is broken.
var ErrFrameNotFound = errors.New("state frame not found")

// UniqueStateFrameNIDs returns the frame NIDs sorted with duplicates removed.
// The input slice is not modified.
func UniqueStateFrameNIDs(nids []StateFrameNID) []StateFrameNID {
	if len(nids) == 0 {
		return nil
	}
	unique := make([]StateFrameNID, len(nids))
	copy(unique, nids)
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	n := 0
	for i := range unique {
		if i == 0 || unique[i] != unique[i-1] {
			unique[n] = unique[i]
			n++
		}
	}
	return unique[:n]
}

// EventMetadata is the NID coordinates of a stored event.
type EventMetadata struct {
	EventNID EventNID
	RoomNID  RoomNID
}

// EventJSONPair is an event NID and the event's JSON as stored.
type EventJSONPair struct {
	EventNID  EventNID
	EventJSON []byte
}
