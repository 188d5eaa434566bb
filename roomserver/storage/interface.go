// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/storage/shared"
	"github.com/element-hq/construct/roomserver/types"
)

// EventDatabase covers the event-level storage operations.
type EventDatabase interface {
	EventTypeNIDs(ctx context.Context, eventTypes []string) (map[string]types.EventTypeNID, error)
	EventStateKeyNIDs(ctx context.Context, eventStateKeys []string) (map[string]types.EventStateKeyNID, error)
	EventStateKeys(ctx context.Context, eventStateKeyNIDs []types.EventStateKeyNID) (map[types.EventStateKeyNID]string, error)
	GetOrCreateEventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error)
	GetOrCreateEventStateKeyNID(ctx context.Context, eventStateKey *string) (types.EventStateKeyNID, error)
	StateEntriesForEventIDs(ctx context.Context, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error)
	StateAtEventIDs(ctx context.Context, eventIDs []string) ([]types.StateAtEvent, error)
	SnapshotNIDFromEventID(ctx context.Context, eventID string) (types.StateFrameNID, error)
	BulkSelectSnapshotsFromEventIDs(ctx context.Context, eventIDs []string) (map[types.StateFrameNID][]string, error)
	EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventMetadata, error)
	EventIDs(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID]string, error)
	SetState(ctx context.Context, eventNID types.EventNID, stateNID types.StateFrameNID) error
	MarkEventAsRejected(ctx context.Context, eventNID types.EventNID, rejected bool) error
	IsEventRejected(ctx context.Context, roomNID types.RoomNID, eventID string) (bool, error)
	IsEventSoftFailed(ctx context.Context, roomNID types.RoomNID, eventID string) (bool, error)
	Events(ctx context.Context, roomVersion matrix.RoomVersion, eventNIDs []types.EventNID) ([]types.Event, error)
	EventsFromIDs(ctx context.Context, roomInfo *types.RoomInfo, eventIDs []string) ([]types.Event, error)
	StoreEvent(
		ctx context.Context, event matrix.PDU, roomInfo *types.RoomInfo,
		eventTypeNID types.EventTypeNID, eventStateKeyNID types.EventStateKeyNID,
		authEventNIDs []types.EventNID, isRejected, softFailed bool, rejectionReason string,
	) (types.EventNID, types.StateAtEvent, error)
	MissingAuthPrevEvents(ctx context.Context, e matrix.PDU) (missingAuth, missingPrev []string, err error)
	MaybeRedactEvent(ctx context.Context, roomInfo *types.RoomInfo, eventNID types.EventNID, event matrix.PDU) (matrix.PDU, matrix.PDU, error)
	AuthChains(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID][]types.EventNID, error)
	AuthChainEventNIDs(ctx context.Context, eventNIDs []types.EventNID) ([]types.EventNID, error)
}

// RoomDatabase is the full roomserver storage API.
type RoomDatabase interface {
	EventDatabase

	SupportsConcurrentRoomInputs() bool
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	RoomNIDExcludingStubs(ctx context.Context, roomID string) (types.RoomNID, error)
	GetOrCreateRoomInfo(ctx context.Context, event matrix.PDU) (*types.RoomInfo, error)
	GetRoomVersion(ctx context.Context, roomID string) (matrix.RoomVersion, error)
	RoomVersions(ctx context.Context, roomNIDs []types.RoomNID) (map[types.RoomNID]matrix.RoomVersion, error)
	LatestEventIDs(ctx context.Context, roomNID types.RoomNID) ([]string, types.StateFrameNID, int64, error)
	StateFrames(ctx context.Context, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error)
	FrameDepth(ctx context.Context, frameNID types.StateFrameNID) (int, error)
	AddState(
		ctx context.Context, roomNID types.RoomNID, parentFrameNID types.StateFrameNID,
		appends []types.StateEntry, removes []types.StateKeyTuple,
	) (types.StateFrameNID, error)
	GetRoomUpdater(ctx context.Context, roomInfo *types.RoomInfo) (*shared.RoomUpdater, error)
	GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.HeaderedEvent, error)
	GetMembershipEventNIDsForRoom(ctx context.Context, roomNID types.RoomNID, joinOnly, localOnly bool) ([]types.EventNID, error)
	GetMembership(ctx context.Context, roomNID types.RoomNID, requestSenderID string) (membershipEventNID types.EventNID, stillInRoom bool, err error)
	JoinedUsersSetInRooms(ctx context.Context, roomIDs, userIDs []string, localOnly bool) (map[string]int, error)
	GetLocalServerInRoom(ctx context.Context, roomNID types.RoomNID) (bool, error)
	GetServerInRoom(ctx context.Context, roomNID types.RoomNID, serverName string) (bool, error)
	GetKnownRooms(ctx context.Context) ([]string, error)
}
