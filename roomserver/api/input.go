// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"fmt"

	"github.com/element-hq/construct/roomserver/types"
)

// Kind says what kind of input an event is, which decides how much of the
// processing pipeline runs for it.
type Kind int

const (
	// KindOutlier event fall outside the contiguous event graph.
	// We do not have the state for these events.
	// These events are state events used to authenticate other events.
	// They can become part of the contiguous event graph via backfill.
	KindOutlier Kind = iota + 1
	// KindNew event extend the contiguous graph going forwards.
	// They always have state.
	KindNew
	// KindOld event extend the graph backwards, for example as the result
	// of a backfill. They may or may not have state.
	KindOld
)

func (k Kind) String() string {
	switch k {
	case KindOutlier:
		return "outlier"
	case KindNew:
		return "new"
	case KindOld:
		return "old"
	default:
		return fmt.Sprintf("unknown (%d)", int(k))
	}
}

// InputRoomEvent is a matrix room event to add to the room server database.
type InputRoomEvent struct {
	// Whether this event is new, backfilled or an outlier.
	// This controls how the event is processed.
	Kind Kind `json:"kind"`
	// The event JSON for the event to add.
	Event *types.HeaderedEvent `json:"event"`
	// Which server told us about this event.
	Origin string `json:"origin"`
	// Whether the event should be sent as an output event to other servers,
	// and if so which server to send it as. This is almost always the name
	// of the local server.
	SendAsServer string `json:"send_as_server"`
	// The transaction ID of the send request if sent by a local user and one
	// was specified.
	TransactionID *TransactionID `json:"transaction_id"`
	// Whether the state is supplied with the event rather than derived from
	// its prev_events. This is the case for the join event returned by a
	// send_join handshake, where the resident server tells us the state.
	HasState bool `json:"has_state"`
	// Optional list of state event IDs forming the state before the event.
	// These event IDs must have been stored previously, as outliers.
	StateEventIDs []string `json:"state_event_ids"`
}

// TransactionID contains the transaction ID sent by a client when sending an
// event, along with the device the client was using.
type TransactionID struct {
	DeviceID      string `json:"device_id"`
	TransactionID string `json:"id"`
}

// InputRoomEventsRequest is a request to InputRoomEvents.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent `json:"input_room_events"`
	Asynchronous    bool             `json:"async"`
	VirtualHost     string           `json:"virtual_host"`
}

// InputRoomEventsResponse is a response to InputRoomEvents.
type InputRoomEventsResponse struct {
	ErrMsg     string `json:"error"`
	NotAllowed bool   `json:"not_allowed"`
}

func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	if r.NotAllowed {
		return types.RejectedError(r.ErrMsg)
	}
	return fmt.Errorf("InputRoomEventsResponse: %s", r.ErrMsg)
}
