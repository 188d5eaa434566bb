// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"github.com/element-hq/construct/roomserver/types"
)

// An OutputType is a type of roomserver output.
type OutputType string

const (
	// OutputTypeNewRoomEvent indicates that the event is an OutputNewRoomEvent
	OutputTypeNewRoomEvent OutputType = "new_room_event"
	// OutputTypeOldRoomEvent indicates that the event is an OutputOldRoomEvent
	OutputTypeOldRoomEvent OutputType = "old_room_event"
	// OutputTypeRetireInviteEvent indicates that the event is an
	// OutputRetireInviteEvent
	OutputTypeRetireInviteEvent OutputType = "retire_invite_event"
	// OutputTypeRedactedEvent indicates that the event is an
	// OutputRedactedEvent
	OutputTypeRedactedEvent OutputType = "redacted_event"
)

// An OutputEvent is an entry in the roomserver output stream.
type OutputEvent struct {
	// What sort of event this is.
	Type OutputType `json:"type"`
	// The content of event with type OutputTypeNewRoomEvent
	NewRoomEvent *OutputNewRoomEvent `json:"new_room_event,omitempty"`
	// The content of event with type OutputTypeOldRoomEvent
	OldRoomEvent *OutputOldRoomEvent `json:"old_room_event,omitempty"`
	// The content of event with type OutputTypeRetireInviteEvent
	RetireInviteEvent *OutputRetireInviteEvent `json:"retire_invite_event,omitempty"`
	// The content of event with type OutputTypeRedactedEvent
	RedactedEvent *OutputRedactedEvent `json:"redacted_event,omitempty"`
}

// An OutputNewRoomEvent is written when the roomserver receives a new event.
// It contains the full matrix room event and enough information for a
// consumer to construct the current state of the room and the state before
// the event.
type OutputNewRoomEvent struct {
	// The Event.
	Event *types.HeaderedEvent `json:"event"`
	// The latest events in the room after this event.
	LatestEventIDs []string `json:"latest_event_ids"`
	// The state event IDs that were added to the current state by this event.
	AddsStateEventIDs []string `json:"adds_state_event_ids"`
	// The state event IDs that were removed from the current state by this
	// event.
	RemovesStateEventIDs []string `json:"removes_state_event_ids"`
	// The ID of the event that was output before this event.
	LastSentEventID string `json:"last_sent_event_id"`
	// The server name to use to push this event to other servers.
	// Or empty if this event shouldn't be pushed to other servers.
	SendAsServer string `json:"send_as_server"`
	// The transaction ID of the send request if sent by a local user and one
	// was specified
	TransactionID *TransactionID `json:"transaction_id,omitempty"`
}

// An OutputOldRoomEvent is written when the roomserver receives an old event.
// This will typically happen as a result of getting either missing events
// or backfilling.
type OutputOldRoomEvent struct {
	// The Event.
	Event *types.HeaderedEvent `json:"event"`
}

// An OutputRedactedEvent is written whenever a redaction is validated against
// its target, which can be some time after either event arrived. Consumers
// should replace their stored copy of the target with its redacted form.
type OutputRedactedEvent struct {
	// The event ID that was redacted.
	RedactedEventID string `json:"redacted_event_id"`
	// The value of the unsigned.redacted_because key: the redaction itself.
	RedactedBecause *types.HeaderedEvent `json:"redacted_because"`
}

// An OutputRetireInviteEvent is written whenever an invite becomes no longer
// active, either because the invited user joined the room or left it.
type OutputRetireInviteEvent struct {
	// The ID of the "m.room.member" invite event.
	EventID string `json:"event_id"`
	// The room the invite was in.
	RoomID string `json:"room_id"`
	// The target membership of the invite, always "invite".
	Membership string `json:"membership"`
	// The event ID of the event that replaced the invite.
	RetiredByEventID string `json:"retired_by_event_id"`
	// The user ID the invite was for.
	TargetUserID string `json:"target_user_id"`
}
