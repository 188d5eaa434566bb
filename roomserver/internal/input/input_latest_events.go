// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/state"
	"github.com/element-hq/construct/roomserver/storage/shared"
	"github.com/element-hq/construct/roomserver/types"
)

// updateLatestEvents updates the forward extremities and the current state
// frame of the room after a new event, and sends the event to the output
// stream if it was accepted.
//
// Assumes that the event has already been stored and that its state before
// has been calculated. The work happens under a room updater so that two
// events for the same room can never interleave their extremity updates,
// which would lose one of them from the room forever.
func (r *Inputer) updateLatestEvents(
	ctx context.Context,
	roomInfo *types.RoomInfo,
	stateAtEvent types.StateAtEvent,
	event matrix.PDU,
	sendAsServer string,
	transactionID *api.TransactionID,
	rejected bool,
) (err error) {
	var succeeded bool
	updater, err := r.DB.GetRoomUpdater(ctx, roomInfo)
	if err != nil {
		return fmt.Errorf("r.DB.GetRoomUpdater: %w", err)
	}
	defer sqlutil.EndTransactionWithCheck(updater, &succeeded, &err)

	u := latestEventsUpdater{
		ctx:           ctx,
		api:           r,
		updater:       updater,
		roomInfo:      roomInfo,
		stateAtEvent:  stateAtEvent,
		event:         event,
		sendAsServer:  sendAsServer,
		transactionID: transactionID,
		rejected:      rejected,
	}

	if err = u.doUpdateLatestEvents(); err != nil {
		return fmt.Errorf("u.doUpdateLatestEvents: %w", err)
	}
	succeeded = true
	return
}

// latestEventsUpdater collects the intermediate results of computing the new
// forward extremities and state for one event.
type latestEventsUpdater struct {
	ctx           context.Context
	api           *Inputer
	updater       *shared.RoomUpdater
	roomInfo      *types.RoomInfo
	stateAtEvent  types.StateAtEvent
	event         matrix.PDU
	rejected      bool
	sendAsServer  string
	transactionID *api.TransactionID

	// The ID of the event that was processed before this one.
	lastEventIDSent string
	// The forward extremities before and after the event.
	oldLatest []types.StateAtEventAndReference
	latest    []types.StateAtEventAndReference
	// The state frames before and after the event, and the state entries
	// that changed between them.
	oldStateNID types.StateFrameNID
	newStateNID types.StateFrameNID
	removed     []types.StateEntry
	added       []types.StateEntry
}

func (u *latestEventsUpdater) doUpdateLatestEvents() error {
	u.lastEventIDSent = u.updater.LastEventIDSent()
	u.oldStateNID = u.updater.CurrentStateFrameNID()
	u.oldLatest = u.updater.LatestEvents()

	// If the event has already been written to the output stream then we
	// have processed it as a latest event before, and doing so again would
	// send it downstream twice.
	hasBeenSent, err := u.updater.HasEventBeenSent(u.stateAtEvent.EventNID)
	if err != nil {
		return fmt.Errorf("u.updater.HasEventBeenSent: %w", err)
	}
	if hasBeenSent {
		return nil
	}

	// Record the prev_event references so the events this one cites stop
	// being forward extremities.
	if err = u.updater.StorePreviousEvents(u.stateAtEvent.EventNID, u.event.PrevEventIDs()); err != nil {
		return fmt.Errorf("u.updater.StorePreviousEvents: %w", err)
	}

	extremitiesChanged, err := u.calculateLatest(u.oldLatest, types.StateAtEventAndReference{
		EventID:      u.event.EventID(),
		StateAtEvent: u.stateAtEvent,
	})
	if err != nil {
		return fmt.Errorf("u.calculateLatest: %w", err)
	}

	// If the extremities changed then the current state of the room may
	// have changed too, so resolve the new state and work out the delta.
	var updates []api.OutputEvent
	if extremitiesChanged {
		if err = u.latestState(); err != nil {
			return fmt.Errorf("u.latestState: %w", err)
		}
		if updates, err = u.api.updateMemberships(u.ctx, u.updater, u.removed, u.added); err != nil {
			return fmt.Errorf("u.api.updateMemberships: %w", err)
		}
	} else {
		u.newStateNID = u.oldStateNID
	}

	if !u.rejected {
		update, err := u.makeOutputNewRoomEvent()
		if err != nil {
			return fmt.Errorf("u.makeOutputNewRoomEvent: %w", err)
		}
		updates = append(updates, *update)

		// Send the event to the output stream inside the transaction, so
		// the event is only marked as sent if it really went out.
		if err = u.api.OutputProducer.ProduceRoomEvents(u.event.RoomID(), updates); err != nil {
			return fmt.Errorf("u.api.OutputProducer.ProduceRoomEvents: %w", err)
		}
		if err = u.updater.MarkEventAsSent(u.stateAtEvent.EventNID); err != nil {
			return fmt.Errorf("u.updater.MarkEventAsSent: %w", err)
		}
	} else if len(updates) > 0 {
		// Rejected and soft-failed events are never sent as new room
		// events, but any invite retirements caused by the state change
		// still are.
		if err = u.api.OutputProducer.ProduceRoomEvents(u.event.RoomID(), updates); err != nil {
			return fmt.Errorf("u.api.OutputProducer.ProduceRoomEvents: %w", err)
		}
	}

	if extremitiesChanged {
		if err = u.updater.SetLatestEvents(
			u.roomInfo.RoomNID, u.latest, u.stateAtEvent.EventNID, u.newStateNID,
		); err != nil {
			return fmt.Errorf("u.updater.SetLatestEvents: %w", err)
		}
	}
	return nil
}

// calculateLatest works out the new forward extremities: every old extremity
// that is still unreferenced, plus the new event unless something already
// references it. Rejected and soft-failed events never become extremities.
// Returns whether the extremity set changed.
func (u *latestEventsUpdater) calculateLatest(
	oldLatest []types.StateAtEventAndReference,
	newEvent types.StateAtEventAndReference,
) (bool, error) {
	changed := false
	newLatest := make([]types.StateAtEventAndReference, 0, len(oldLatest)+1)
	for _, old := range oldLatest {
		referenced, err := u.updater.IsReferenced(old.EventID)
		if err != nil {
			return false, fmt.Errorf("u.updater.IsReferenced: %w", err)
		}
		if referenced {
			changed = true
			continue
		}
		newLatest = append(newLatest, old)
	}

	if !u.rejected {
		referenced, err := u.updater.IsReferenced(newEvent.EventID)
		if err != nil {
			return false, fmt.Errorf("u.updater.IsReferenced: %w", err)
		}
		if !referenced {
			newLatest = append(newLatest, newEvent)
			changed = true
		}
	}

	u.latest = newLatest
	return changed, nil
}

// latestState resolves the current state of the room across the new forward
// extremities and produces the delta against the previous current state.
func (u *latestEventsUpdater) latestState() error {
	roomState := state.NewStateResolution(u.updater, u.roomInfo, u.api.Cfg.StateCompression)

	prevStates := make([]types.StateAtEvent, len(u.latest))
	for i := range u.latest {
		prevStates[i] = u.latest[i].StateAtEvent
	}

	var err error
	u.newStateNID, err = roomState.CalculateAndStoreStateAfterEvents(u.ctx, prevStates)
	if err != nil {
		return fmt.Errorf("roomState.CalculateAndStoreStateAfterEvents: %w", err)
	}

	u.removed, u.added, err = roomState.DifferenceBetweenStateFrames(u.ctx, u.oldStateNID, u.newStateNID)
	if err != nil {
		return fmt.Errorf("roomState.DifferenceBetweenStateFrames: %w", err)
	}
	return nil
}

func (u *latestEventsUpdater) makeOutputNewRoomEvent() (*api.OutputEvent, error) {
	latestEventIDs := make([]string, len(u.latest))
	for i := range u.latest {
		latestEventIDs[i] = u.latest[i].EventID
	}

	ore := api.OutputNewRoomEvent{
		Event:           &types.HeaderedEvent{PDU: u.event},
		LastSentEventID: u.lastEventIDSent,
		LatestEventIDs:  latestEventIDs,
		TransactionID:   u.transactionID,
		SendAsServer:    u.sendAsServer,
	}

	eventIDMap, err := u.stateEventIDMap()
	if err != nil {
		return nil, err
	}
	for _, entry := range u.added {
		ore.AddsStateEventIDs = append(ore.AddsStateEventIDs, eventIDMap[entry.EventNID])
	}
	for _, entry := range u.removed {
		ore.RemovesStateEventIDs = append(ore.RemovesStateEventIDs, eventIDMap[entry.EventNID])
	}
	return &api.OutputEvent{
		Type:         api.OutputTypeNewRoomEvent,
		NewRoomEvent: &ore,
	}, nil
}

func (u *latestEventsUpdater) stateEventIDMap() (map[types.EventNID]string, error) {
	eventNIDs := make([]types.EventNID, 0, len(u.added)+len(u.removed))
	for _, entry := range u.added {
		eventNIDs = append(eventNIDs, entry.EventNID)
	}
	for _, entry := range u.removed {
		eventNIDs = append(eventNIDs, entry.EventNID)
	}
	if len(eventNIDs) == 0 {
		return nil, nil
	}
	eventIDMap, err := u.api.DB.EventIDs(u.ctx, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("u.api.DB.EventIDs: %w", err)
	}
	return eventIDMap, nil
}
