// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

// QueryLatestEventsAndStateRequest is a request to QueryLatestEventsAndState.
type QueryLatestEventsAndStateRequest struct {
	// The room ID to query the latest events in.
	RoomID string `json:"room_id"`
	// The state key tuples to fetch from the room current state.
	// If this list is empty or nil then the entire current state is returned.
	StateToFetch []matrix.StateKeyTuple `json:"state_to_fetch"`
}

// QueryLatestEventsAndStateResponse is a response to QueryLatestEventsAndState.
// This is used when sending events to set the prev_events, auth_events and
// depth. It is also used to tell whether the event is allowed by the current
// room state.
type QueryLatestEventsAndStateResponse struct {
	// Does the room exist?
	// If the room doesn't exist this will be false and LatestEvents will be
	// an empty list.
	RoomExists bool `json:"room_exists"`
	// The room version of the room.
	RoomVersion matrix.RoomVersion `json:"room_version"`
	// The latest events in the room, the forward extremities of the graph.
	LatestEvents []string `json:"latest_events"`
	// The state events requested.
	// This list will be in an arbitrary order.
	StateEvents []*types.HeaderedEvent `json:"state_events"`
	// The depth of the latest events.
	// This is one greater than the maximum depth of the latest events.
	Depth int64 `json:"depth"`
}

// QueryStateAfterEventsRequest is a request to QueryStateAfterEvents.
type QueryStateAfterEventsRequest struct {
	// The room ID to query the state in.
	RoomID string `json:"room_id"`
	// The list of previous events to return the events after.
	PrevEventIDs []string `json:"prev_event_ids"`
	// The state key tuples to fetch from the state. If none are specified
	// then the entire resolved room state is returned.
	StateToFetch []matrix.StateKeyTuple `json:"state_to_fetch"`
}

// QueryStateAfterEventsResponse is a response to QueryStateAfterEvents.
type QueryStateAfterEventsResponse struct {
	// Does the room exist on this roomserver?
	RoomExists bool `json:"room_exists"`
	// The room version of the room.
	RoomVersion matrix.RoomVersion `json:"room_version"`
	// Do we have the state for all of the prev events?
	PrevEventsExist bool `json:"prev_events_exist"`
	// The state events requested.
	StateEvents []*types.HeaderedEvent `json:"state_events"`
}

// QueryEventsByIDRequest is a request to QueryEventsByID.
type QueryEventsByIDRequest struct {
	// The room ID the events belong to. Events without a room will not be
	// returned.
	RoomID string `json:"room_id"`
	// The event IDs to look up.
	EventIDs []string `json:"event_ids"`
}

// QueryEventsByIDResponse is a response to QueryEventsByID.
type QueryEventsByIDResponse struct {
	// A list of events with the requested IDs.
	// Omits events that the roomserver does not have.
	// Rejected events are included with their stored form.
	Events []*types.HeaderedEvent `json:"events"`
}

// QueryStateAtEventRequest asks for the resolved room state before an event.
type QueryStateAtEventRequest struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	// The state key tuples to fetch, or all state if empty.
	StateToFetch []matrix.StateKeyTuple `json:"state_to_fetch"`
}

// QueryStateAtEventResponse contains the state before the requested event.
type QueryStateAtEventResponse struct {
	StateEvents []*types.HeaderedEvent `json:"state_events"`
}

// QueryRoomVersionForRoomRequest asks for the room version of a given room.
type QueryRoomVersionForRoomRequest struct {
	RoomID string `json:"room_id"`
}

// QueryRoomVersionForRoomResponse is a response to QueryRoomVersionForRoom.
type QueryRoomVersionForRoomResponse struct {
	RoomVersion matrix.RoomVersion `json:"room_version"`
}

// QueryJoinedHostServerNamesInRoomRequest is a request to
// QueryJoinedHostServerNamesInRoom.
type QueryJoinedHostServerNamesInRoomRequest struct {
	RoomID string `json:"room_id"`
	// Exclude the local server from the results.
	ExcludeSelf bool `json:"exclude_self"`
}

// QueryJoinedHostServerNamesInRoomResponse is a response to
// QueryJoinedHostServerNamesInRoom.
type QueryJoinedHostServerNamesInRoomResponse struct {
	ServerNames []string `json:"server_names"`
}

// QueryMembershipForUserRequest is a request to QueryMembershipForUser.
type QueryMembershipForUserRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// QueryMembershipForUserResponse is a response to QueryMembershipForUser.
type QueryMembershipForUserResponse struct {
	// The EventID of the latest membership event for the user in the room.
	EventID string `json:"event_id"`
	// The current membership, or empty if the user was never in the room.
	Membership string `json:"membership"`
	// True if the user is in the room.
	IsInRoom bool `json:"is_in_room"`
	// True if the room exists.
	RoomExists bool `json:"room_exists"`
}

// QueryAuthChainRequest is a request to QueryAuthChain.
type QueryAuthChainRequest struct {
	EventIDs []string `json:"event_ids"`
}

// QueryAuthChainResponse is a response to QueryAuthChain.
type QueryAuthChainResponse struct {
	AuthChain []*types.HeaderedEvent `json:"auth_chain"`
}

// QueryMissingEventsRequest is a request to QueryMissingEvents: the body of
// the federation /get_missing_events API.
type QueryMissingEventsRequest struct {
	RoomID string `json:"room_id"`
	// Events which are present on the requesting server.
	EarliestEvents []string `json:"earliest_events"`
	// Events which are in the room, but the requesting server is missing.
	LatestEvents []string `json:"latest_events"`
	// The maximum number of events to retrieve.
	Limit int `json:"limit"`
}

// QueryMissingEventsResponse is a response to QueryMissingEvents.
type QueryMissingEventsResponse struct {
	// Missing events, arbitrary order.
	Events []*types.HeaderedEvent `json:"events"`
}

// PerformBackfillRequest is a request to PerformBackfill.
type PerformBackfillRequest struct {
	// The room to backfill.
	RoomID string `json:"room_id"`
	// A map of backwards extremity event ID to a list of its prev_event IDs.
	BackwardsExtremities map[string][]string `json:"backwards_extremities"`
	// The maximum number of events to retrieve.
	Limit int `json:"limit"`
	// The server interested in the events.
	ServerName string `json:"server_name"`
	// Which virtual host are we doing this for?
	VirtualHost string `json:"virtual_host"`
}

// PrevEventIDs returns the prev_event IDs of all backwards extremities,
// de-duplicated.
func (r *PerformBackfillRequest) PrevEventIDs() []string {
	var uniqueIDs map[string]struct{}
	for _, pes := range r.BackwardsExtremities {
		for _, evID := range pes {
			if uniqueIDs == nil {
				uniqueIDs = make(map[string]struct{})
			}
			uniqueIDs[evID] = struct{}{}
		}
	}
	outputs := make([]string, 0, len(uniqueIDs))
	for evID := range uniqueIDs {
		outputs = append(outputs, evID)
	}
	return outputs
}

// PerformBackfillResponse is a response to PerformBackfill.
type PerformBackfillResponse struct {
	// Missing events, arbitrary order.
	Events            []*types.HeaderedEvent `json:"events"`
	HistoryVisibility string                 `json:"history_visibility"`
}
