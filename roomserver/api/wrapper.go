// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

// DoNotSendToOtherServers is an empty sendAsServer, meaning the event is
// not pushed out over federation.
const DoNotSendToOtherServers = ""

// SendEvents to the roomserver. The events are written with KindNew.
func SendEvents(
	ctx context.Context, rsAPI InputRoomEventsAPI,
	kind Kind, events []*types.HeaderedEvent,
	virtualHost, origin string,
	sendAsServer string, txnID *TransactionID, async bool,
) error {
	ires := make([]InputRoomEvent, len(events))
	for i, event := range events {
		ires[i] = InputRoomEvent{
			Kind:          kind,
			Event:         event,
			Origin:        origin,
			SendAsServer:  sendAsServer,
			TransactionID: txnID,
		}
	}
	return SendInputRoomEvents(ctx, rsAPI, virtualHost, ires, async)
}

// SendEventWithState writes an event with the state at the event as KindNew.
// The state events and auth events are stored as outliers beforehand, then
// the event is positioned on top of them using the supplied state.
func SendEventWithState(
	ctx context.Context, rsAPI InputRoomEventsAPI, virtualHost string,
	kind Kind, state *matrix.RespState, event *types.HeaderedEvent,
	origin string, async bool,
) error {
	stateEvents := state.StateEvents.UntrustedEvents(event.Version())
	authEvents := state.AuthEvents.UntrustedEvents(event.Version())

	stateEventIDs := make([]string, 0, len(stateEvents))
	ires := make([]InputRoomEvent, 0, len(stateEvents)+len(authEvents)+1)
	seen := make(map[string]struct{}, len(stateEvents)+len(authEvents))
	for _, outlier := range append(authEvents, stateEvents...) {
		if _, ok := seen[outlier.EventID()]; ok {
			continue
		}
		seen[outlier.EventID()] = struct{}{}
		ires = append(ires, InputRoomEvent{
			Kind:   KindOutlier,
			Event:  &types.HeaderedEvent{PDU: outlier},
			Origin: origin,
		})
	}
	for _, stateEvent := range stateEvents {
		stateEventIDs = append(stateEventIDs, stateEvent.EventID())
	}

	ires = append(ires, InputRoomEvent{
		Kind:          kind,
		Event:         event,
		Origin:        origin,
		HasState:      true,
		StateEventIDs: stateEventIDs,
	})
	return SendInputRoomEvents(ctx, rsAPI, virtualHost, ires, async)
}

// SendInputRoomEvents to the roomserver.
func SendInputRoomEvents(
	ctx context.Context, rsAPI InputRoomEventsAPI,
	virtualHost string, ires []InputRoomEvent, async bool,
) error {
	request := InputRoomEventsRequest{
		InputRoomEvents: ires,
		Asynchronous:    async,
		VirtualHost:     virtualHost,
	}
	var response InputRoomEventsResponse
	rsAPI.InputRoomEvents(ctx, &request, &response)
	return response.Err()
}

// ParseIncomingPDU parses a raw event received over federation, looking up
// the version of the room it claims to be in. The returned event has passed
// the structural checks for that room version but its signatures have not
// been verified.
func ParseIncomingPDU(
	ctx context.Context, rsAPI QueryEventsAPI, pdu json.RawMessage,
) (matrix.PDU, error) {
	roomID := gjson.GetBytes(pdu, "room_id").Str
	if roomID == "" {
		return nil, matrix.MalformedEventError{Message: "event has no room_id"}
	}
	roomVersion, err := rsAPI.QueryRoomVersionForRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("rsAPI.QueryRoomVersionForRoom: %w", err)
	}
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	return matrix.NewEventFromUntrustedJSON(pdu, verImpl)
}
