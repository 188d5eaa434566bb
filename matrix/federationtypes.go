// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// A Transaction is a list of PDUs sent from one server to another over
// federation, either as a push or as the response to /backfill or
// /get_missing_events.
type Transaction struct {
	// The server_name of the homeserver sending this transaction.
	Origin string `json:"origin"`
	// POSIX timestamp in milliseconds on originating homeserver when this
	// transaction started.
	OriginServerTS int64 `json:"origin_server_ts"`
	// An opaque unique string describing the transaction.
	TransactionID string `json:"transaction_id,omitempty"`
	// The server_name of the destination homeserver.
	Destination string `json:"destination,omitempty"`
	// List of persistent updates to rooms.
	PDUs []json.RawMessage `json:"pdus"`
}

// MissingEvents is the request body of the /get_missing_events API.
type MissingEvents struct {
	// The maximum number of events to retrieve.
	Limit int `json:"limit"`
	// The event IDs to retrieve the previous events for.
	EarliestEvents []string `json:"earliest_events"`
	// The event IDs to use as the end of the retrieval range.
	LatestEvents []string `json:"latest_events"`
}

// RespMissingEvents is the content of the response to /get_missing_events.
type RespMissingEvents struct {
	Events EventJSONs `json:"events"`
}

// RespState is the content of the response to /state.
type RespState struct {
	StateEvents EventJSONs `json:"pdus"`
	AuthEvents  EventJSONs `json:"auth_chain"`
}

// RespStateIDs is the content of the response to /state_ids.
type RespStateIDs struct {
	StateEventIDs []string `json:"pdu_ids"`
	AuthEventIDs  []string `json:"auth_chain_ids"`
}

// RespEventAuth is the content of the response to /event_auth.
type RespEventAuth struct {
	AuthEvents EventJSONs `json:"auth_chain"`
}

// RespMakeJoin is the content of the response to /make_join.
type RespMakeJoin struct {
	JoinEvent   ProtoEvent  `json:"event"`
	RoomVersion RoomVersion `json:"room_version"`
}

// RespSendJoin is the content of the response to /send_join.
type RespSendJoin struct {
	StateEvents EventJSONs      `json:"state"`
	AuthEvents  EventJSONs      `json:"auth_chain"`
	Origin      string          `json:"origin"`
	Event       json.RawMessage `json:"event,omitempty"`
	// True if the room state was omitted because the joining server is
	// already participating in the room.
	MembersOmitted bool     `json:"members_omitted,omitempty"`
	ServersInRoom  []string `json:"servers_in_room,omitempty"`
}

// RespMakeLeave is the content of the response to /make_leave.
type RespMakeLeave struct {
	LeaveEvent  ProtoEvent  `json:"event"`
	RoomVersion RoomVersion `json:"room_version"`
}

// RespMakeKnock is the content of the response to /make_knock.
type RespMakeKnock struct {
	KnockEvent  ProtoEvent  `json:"event"`
	RoomVersion RoomVersion `json:"room_version"`
}

// RespSendKnock is the content of the response to /send_knock.
type RespSendKnock struct {
	// A subset of the room state the knocking user may see before joining,
	// in stripped form.
	KnockRoomState []json.RawMessage `json:"knock_room_state"`
}

// A ProtoEvent is an event sketch sent in /make_join and /make_leave
// responses: everything an event needs except signatures and the event ID.
type ProtoEvent struct {
	SenderID       string          `json:"sender"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
}

// EventJSONs is a list of events in their raw wire form, parsed lazily
// because the room version needed to interpret them arrives with them.
type EventJSONs []json.RawMessage

// TrustedEvents parses the events with NewEventFromTrustedJSON, dropping
// any that fail to parse.
func (e EventJSONs) TrustedEvents(roomVersion RoomVersion, redacted bool) []PDU {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil
	}
	events := make([]PDU, 0, len(e))
	for _, js := range e {
		event, err := NewEventFromTrustedJSON(js, redacted, verImpl)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// UntrustedEvents parses the events with NewEventFromUntrustedJSON, dropping
// any that fail validation.
func (e EventJSONs) UntrustedEvents(roomVersion RoomVersion) []PDU {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil
	}
	events := make([]PDU, 0, len(e))
	for _, js := range e {
		event, err := NewEventFromUntrustedJSON(js, verImpl)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// NewEventJSONsFromEvents re-encodes parsed events into their wire form.
func NewEventJSONsFromEvents(he []PDU) EventJSONs {
	events := make(EventJSONs, len(he))
	for i := range he {
		events[i] = he[i].JSON()
	}
	return events
}

// A FederatedStateProvider fetches auth chains over federation. It is
// consumed by state resolution when the local database is missing part of
// the auth difference.
type FederatedStateProvider interface {
	// AuthChainFor returns the full auth chain of the event, oldest first.
	AuthChainFor(ctx context.Context, roomID, eventID string) ([]PDU, error)
}

// Check that a transaction's PDUs all claim the expected room. Events for
// other rooms in a backfill response are a sign of a misbehaving remote.
func (t *Transaction) CheckRoomID(expected string) error {
	for _, pdu := range t.PDUs {
		roomID := gjson.GetBytes(pdu, "room_id").Str
		if roomID != expected {
			return fmt.Errorf("transaction from %q contains event for room %q, expected %q", t.Origin, roomID, expected)
		}
	}
	return nil
}
