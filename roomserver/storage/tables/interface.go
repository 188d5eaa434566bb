// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

var ErrOptimisticLockRetry = errors.New("optimistic lock: retry")

type EventJSONPair struct {
	EventNID  types.EventNID
	EventJSON []byte
}

type EventJSON interface {
	// Insert the event JSON. On conflict, replace the event JSON with the new value (for redactions).
	InsertEventJSON(ctx context.Context, tx *sql.Tx, eventNID types.EventNID, eventJSON []byte) error
	BulkSelectEventJSON(ctx context.Context, tx *sql.Tx, eventNIDs []types.EventNID) ([]EventJSONPair, error)
}

type EventTypes interface {
	InsertEventTypeNID(ctx context.Context, tx *sql.Tx, eventType string) (types.EventTypeNID, error)
	SelectEventTypeNID(ctx context.Context, tx *sql.Tx, eventType string) (types.EventTypeNID, error)
	BulkSelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventTypes []string) (map[string]types.EventTypeNID, error)
}

type EventStateKeys interface {
	InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKey string) (types.EventStateKeyNID, error)
	BulkSelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, eventStateKeys []string) (map[string]types.EventStateKeyNID, error)
	BulkSelectEventStateKey(ctx context.Context, txn *sql.Tx, eventStateKeyNIDs []types.EventStateKeyNID) (map[types.EventStateKeyNID]string, error)
}

type Events interface {
	// InsertEvent registers the event, allocating its event NID. The NID
	// allocation is idempotent on the event ID: inserting an event that
	// already has a row returns the existing NID and false.
	InsertEvent(
		ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID,
		eventStateKeyNID types.EventStateKeyNID, eventID string,
		authEventNIDs []types.EventNID, depth int64, isRejected, softFailed bool,
		rejectionReason string,
	) (types.EventNID, types.StateFrameNID, bool, error)
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, types.StateFrameNID, error)
	BulkSelectSnapshotsFromEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[types.StateFrameNID][]string, error)
	// BulkSelectStateEventByID lookups a list of state events by event ID.
	// If any of the requested events are missing from the database it returns a types.MissingEventError
	BulkSelectStateEventByID(ctx context.Context, txn *sql.Tx, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error)
	BulkSelectStateEventByNID(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID, stateKeyTuples []types.StateKeyTuple) ([]types.StateEntry, error)
	// BulkSelectStateAtEventByID lookups the state at a list of events by event ID.
	// If any of the requested events are missing from the database it returns a types.MissingEventError.
	// If we do not have the state for any of the requested events it returns a types.MissingStateError.
	BulkSelectStateAtEventByID(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]types.StateAtEvent, error)
	UpdateEventState(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateFrameNID types.StateFrameNID) error
	SelectEventSentToOutput(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (sentToOutput bool, err error)
	UpdateEventSentToOutput(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
	SelectEventID(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (eventID string, err error)
	BulkSelectStateAtEventAndReference(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) ([]types.StateAtEventAndReference, error)
	// BulkSelectEventID returns a map from numeric event ID to string event ID.
	BulkSelectEventID(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]string, error)
	// BulkSelectEventNIDs returns a map from string event ID to numeric event ID.
	// If an event ID is not in the database then it is omitted from the map.
	BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error)
	// BulkSelectUnsentEventNID is the same as BulkSelectEventNID but only returns the
	// events that have not yet been sent to the output stream.
	BulkSelectUnsentEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error)
	SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error)
	// SelectMaxEventNID returns the highest allocated event NID, or zero if
	// no events are stored. Used to seed the sequence watermark at startup.
	SelectMaxEventNID(ctx context.Context, txn *sql.Tx) (types.EventNID, error)
	SelectRoomNIDsForEventNIDs(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (roomNIDs map[types.EventNID]types.RoomNID, err error)
	SelectEventRejected(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) (rejected bool, err error)
	SelectEventSoftFailed(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) (softFailed bool, err error)
	MarkEventRejected(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, rejected bool) error
}

type Rooms interface {
	InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion matrix.RoomVersion) (types.RoomNID, error)
	SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.StateFrameNID, error)
	SelectLatestEventsNIDsForUpdate(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.EventNID, types.StateFrameNID, error)
	UpdateLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID, lastEventSentNID types.EventNID, stateFrameNID types.StateFrameNID) error
	SelectRoomVersionsForRoomNIDs(ctx context.Context, txn *sql.Tx, roomNID []types.RoomNID) (map[types.RoomNID]matrix.RoomVersion, error)
	SelectRoomIDsWithEvents(ctx context.Context, txn *sql.Tx) ([]string, error)
	BulkSelectRoomIDs(ctx context.Context, txn *sql.Tx, roomNIDs []types.RoomNID) ([]string, error)
	BulkSelectRoomNIDs(ctx context.Context, txn *sql.Tx, roomIDs []string) ([]types.RoomNID, error)
}

type StateFrames interface {
	// InsertState persists a new state frame: the diff against the parent
	// frame, or the full state when parentFrameNID is zero. The stored
	// depth is one greater than the parent's, capped by the caller.
	InsertState(
		ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
		parentFrameNID types.StateFrameNID, depth int,
		appends []types.StateEntry, removes []types.StateKeyTuple,
	) (types.StateFrameNID, error)
	// BulkSelectStateFrames fetches the given frame rows. The returned
	// frames are in the same order as the requested NIDs. If any frame is
	// missing it returns types.ErrFrameNotFound.
	BulkSelectStateFrames(ctx context.Context, txn *sql.Tx, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error)
	// SelectFrameDepth returns the stored chain depth of a frame.
	SelectFrameDepth(ctx context.Context, txn *sql.Tx, frameNID types.StateFrameNID) (int, error)
}

type AuthChains interface {
	// InsertAuthChain stores the transitive closure of the event's auth
	// events, as event NIDs. The closure includes the direct auth events.
	InsertAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, chainEventNIDs []types.EventNID) error
	// BulkSelectAuthChains returns the stored closures for the given
	// events. Events with no stored closure are omitted.
	BulkSelectAuthChains(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID][]types.EventNID, error)
}

type PreviousEvents interface {
	InsertPreviousEvent(ctx context.Context, txn *sql.Tx, prevEventID string, eventNID types.EventNID) error
	// Check if the event reference exists
	// Returns sql.ErrNoRows if the event reference doesn't exist.
	SelectPreviousEventExists(ctx context.Context, txn *sql.Tx, eventID string) error
}

type Redactions interface {
	InsertRedaction(ctx context.Context, txn *sql.Tx, info types.RedactionInfo) error
	// SelectRedactionInfoByRedactionEventID returns the redaction info for a
	// given redaction event ID, or nil if there is no such redaction.
	SelectRedactionInfoByRedactionEventID(ctx context.Context, txn *sql.Tx, redactionEventID string) (*types.RedactionInfo, error)
	// SelectRedactionInfoByEventBeingRedacted returns the redaction info for a
	// given event ID being redacted, or nil if there is no such redaction.
	SelectRedactionInfoByEventBeingRedacted(ctx context.Context, txn *sql.Tx, eventID string) (*types.RedactionInfo, error)
	MarkRedactionValidated(ctx context.Context, txn *sql.Tx, redactionEventID string, validated bool) error
}

type Membership interface {
	InsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, targetUserNID types.EventStateKeyNID, localTarget bool) error
	SelectMembershipForUpdate(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, targetUserNID types.EventStateKeyNID) (MembershipState, error)
	SelectMembershipFromRoomAndTarget(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, targetUserNID types.EventStateKeyNID) (types.EventNID, MembershipState, bool, error)
	SelectMembershipsFromRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, localOnly bool) (eventNIDs []types.EventNID, err error)
	SelectMembershipsFromRoomAndMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, membership MembershipState, localOnly bool) (eventNIDs []types.EventNID, err error)
	UpdateMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, targetUserNID types.EventStateKeyNID, senderUserNID types.EventStateKeyNID, membership MembershipState, eventNID types.EventNID, forgotten bool) (bool, error)
	SelectJoinedUsersSetForRooms(ctx context.Context, txn *sql.Tx, roomNIDs []types.RoomNID, userNIDs []types.EventStateKeyNID, localOnly bool) (map[types.EventStateKeyNID]int, error)
	SelectLocalServerInRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (bool, error)
	SelectServerInRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, serverName string) (bool, error)
}

// MembershipState is the numeric representation of a membership as stored
// in the membership table.
type MembershipState int64

const (
	MembershipStateLeaveOrBan MembershipState = 1
	MembershipStateInvite     MembershipState = 2
	MembershipStateJoin       MembershipState = 3
	MembershipStateKnock      MembershipState = 4
)

// StrippedEvent represents a stripped event which is returned when querying
// state that does not need the full event.
type StrippedEvent struct {
	RoomID       string
	EventType    string
	StateKey     string
	ContentValue string
}

// ExtractContentValue extracts a top level, well-known content field from an
// event. Returns the empty string if there is no such field.
func ExtractContentValue(ev *types.HeaderedEvent) string {
	content := ev.Content()
	key := ""
	switch ev.Type() {
	case matrix.MRoomCreate:
		key = "creator"
	case matrix.MRoomCanonicalAlias:
		key = "alias"
	case matrix.MRoomHistoryVisibility:
		key = "history_visibility"
	case matrix.MRoomJoinRules:
		key = "join_rule"
	case matrix.MRoomMember:
		key = "membership"
	case matrix.MRoomName:
		key = "name"
	case "m.room.avatar":
		key = "url"
	case matrix.MRoomTopic:
		key = "topic"
	case matrix.MRoomGuestAccess:
		key = "guest_access"
	}
	result := gjson.GetBytes(content, key)
	if !result.Exists() {
		return ""
	}
	// this returns the correct unescaped string regardless of the type
	return result.Str
}
