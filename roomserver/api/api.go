// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	fsAPI "github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
)

// InputRoomEventsAPI is used by the federation and client APIs to hand new
// events to the roomserver for ingestion.
type InputRoomEventsAPI interface {
	// InputRoomEvents adds events to the roomserver. The events are written
	// to a per-room ordered stream and processed by a single worker per
	// room, so the call only returns an error through the response when
	// Asynchronous is false.
	InputRoomEvents(
		ctx context.Context,
		request *InputRoomEventsRequest,
		response *InputRoomEventsResponse,
	)
}

// QueryEventsAPI answers questions about events and state the roomserver
// has already ingested.
type QueryEventsAPI interface {
	// QueryEventsByID queries a list of events by event ID.
	QueryEventsByID(
		ctx context.Context,
		request *QueryEventsByIDRequest,
		response *QueryEventsByIDResponse,
	) error
	// QueryLatestEventsAndState returns the forward extremities of a room
	// and the requested portion of the current room state.
	QueryLatestEventsAndState(
		ctx context.Context,
		request *QueryLatestEventsAndStateRequest,
		response *QueryLatestEventsAndStateResponse,
	) error
	// QueryStateAfterEvents returns the room state after the given events.
	QueryStateAfterEvents(
		ctx context.Context,
		request *QueryStateAfterEventsRequest,
		response *QueryStateAfterEventsResponse,
	) error
	// QueryStateAtEvent returns the resolved room state before an event.
	QueryStateAtEvent(
		ctx context.Context,
		request *QueryStateAtEventRequest,
		response *QueryStateAtEventResponse,
	) error
	// QueryMembershipForUser returns the current membership of a user in a
	// room.
	QueryMembershipForUser(
		ctx context.Context,
		request *QueryMembershipForUserRequest,
		response *QueryMembershipForUserResponse,
	) error
	// QueryAuthChain returns the full auth chain for the given events.
	QueryAuthChain(
		ctx context.Context,
		request *QueryAuthChainRequest,
		response *QueryAuthChainResponse,
	) error
	// QueryMissingEvents returns events on the path between the earliest
	// and latest events, walking prev_events backwards from the latest.
	QueryMissingEvents(
		ctx context.Context,
		request *QueryMissingEventsRequest,
		response *QueryMissingEventsResponse,
	) error
	// QueryRoomVersionForRoom returns the room version for the given room,
	// from cache where possible.
	QueryRoomVersionForRoom(ctx context.Context, roomID string) (matrix.RoomVersion, error)
	// QueryJoinedHostServerNamesInRoom returns the server names of the
	// servers with at least one joined user in the room.
	QueryJoinedHostServerNamesInRoom(
		ctx context.Context,
		request *QueryJoinedHostServerNamesInRoomRequest,
		response *QueryJoinedHostServerNamesInRoomResponse,
	) error
}

// RoomserverFederationAPI is the subset of the roomserver API needed by the
// federation API.
type RoomserverFederationAPI interface {
	InputRoomEventsAPI
	QueryEventsAPI

	// PerformBackfill fetches older events for a room from this server's
	// database, for serving a remote server's /backfill request.
	PerformBackfill(
		ctx context.Context,
		request *PerformBackfillRequest,
		response *PerformBackfillResponse,
	) error
}

// RoomserverInternalAPI is the complete interface to the roomserver.
type RoomserverInternalAPI interface {
	RoomserverFederationAPI

	// SetFederationAPI passes in a reference to the federation API, used
	// when the roomserver needs to fetch missing events from other servers,
	// and the key ring used to verify their signatures. Must be called
	// after the federation API has started, before events are ingested.
	SetFederationAPI(fsAPI fsAPI.RoomserverFederationAPI, keyRing matrix.JSONVerifier)

	// IsKnownRoom reports whether the roomserver has a row for the room.
	IsKnownRoom(ctx context.Context, roomID string) (bool, error)
}

// ErrNotAllowed can be returned from the roomserver when an event is
// rejected by the auth rules.
type ErrNotAllowed struct {
	Err error
}

func (e ErrNotAllowed) Error() string {
	return e.Err.Error()
}
