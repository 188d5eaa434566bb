// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package helpers contains the logic shared between the roomserver's input
// and query paths: loading auth chains, checking events against the current
// room state and walking the event graph backwards.
package helpers

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/state"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

// CheckForSoftFail returns true if the event should be soft-failed: the
// event passed the auth checks against its own claimed auth events, but
// does not pass them against the current state of the room.
func CheckForSoftFail(
	ctx context.Context,
	db storage.RoomDatabase,
	roomInfo *types.RoomInfo,
	event *types.HeaderedEvent,
	stateEntries []types.StateEntry,
	compression config.StateCompression,
) (bool, error) {
	if len(stateEntries) == 0 {
		// Work out if the room exists.
		if roomInfo == nil || roomInfo.IsStub() {
			return false, nil
		}

		// Load the current state of the room using the room's current state
		// frame.
		roomState := state.NewStateResolution(db, roomInfo, compression)
		var err error
		stateEntries, err = roomState.LoadStateEntriesForAuth(
			ctx, roomInfo.StateFrameNID(), matrix.StateNeededForAuth([]matrix.PDU{event.PDU}),
		)
		if err != nil {
			return true, fmt.Errorf("roomState.LoadStateEntriesForAuth: %w", err)
		}
	}

	// As long as these events are not rejected, they will be used to
	// check the event against the current room state.
	stateEntries = types.DeduplicateStateEntries(stateEntries)
	stateEventNIDs := make([]types.EventNID, 0, len(stateEntries))
	for _, entry := range stateEntries {
		stateEventNIDs = append(stateEventNIDs, entry.EventNID)
	}

	checkEvents, err := db.Events(ctx, roomInfo.RoomVersion, stateEventNIDs)
	if err != nil {
		return true, fmt.Errorf("db.Events: %w", err)
	}

	pdus := make([]matrix.PDU, 0, len(checkEvents))
	for i := range checkEvents {
		pdus = append(pdus, checkEvents[i].PDU)
	}
	authEvents, err := matrix.NewAuthEvents(pdus)
	if err != nil {
		return true, fmt.Errorf("matrix.NewAuthEvents: %w", err)
	}

	// Check if the event is allowed by the current room state.
	if err = matrix.Allowed(event.PDU, authEvents); err != nil {
		return true, nil // seems to be a soft-fail
	}
	return false, nil
}

// LoadAuthEvents loads the claimed auth events of the event from the
// database and returns an auth provider over the ones that were accepted.
// Rejected auth events are left out, because using them to authorise the
// event would launder the rejection.
func LoadAuthEvents(
	ctx context.Context,
	db storage.EventDatabase,
	roomInfo *types.RoomInfo,
	event matrix.PDU,
) (*matrix.AuthEvents, []types.EventNID, error) {
	stored, err := db.EventsFromIDs(ctx, roomInfo, event.AuthEventIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("db.EventsFromIDs: %w", err)
	}

	authEventNIDs := make([]types.EventNID, 0, len(stored))
	pdus := make([]matrix.PDU, 0, len(stored))
	for i := range stored {
		authEventNIDs = append(authEventNIDs, stored[i].EventNID)
		rejected, rejectedErr := db.IsEventRejected(ctx, roomInfo.RoomNID, stored[i].EventID())
		if rejectedErr != nil {
			return nil, nil, fmt.Errorf("db.IsEventRejected: %w", rejectedErr)
		}
		if !rejected {
			pdus = append(pdus, stored[i].PDU)
		}
	}

	provider, err := matrix.NewAuthEvents(pdus)
	if err != nil {
		return nil, nil, fmt.Errorf("matrix.NewAuthEvents: %w", err)
	}
	return provider, authEventNIDs, nil
}

// QueryAuthChain returns the events in the full auth chain of the given
// events, loaded from the persisted per-event closures.
func QueryAuthChain(
	ctx context.Context,
	db storage.RoomDatabase,
	roomVersion matrix.RoomVersion,
	eventIDs []string,
) ([]types.Event, error) {
	eventNIDMap, err := db.EventNIDs(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("db.EventNIDs: %w", err)
	}
	eventNIDs := make([]types.EventNID, 0, len(eventNIDMap))
	for _, meta := range eventNIDMap {
		eventNIDs = append(eventNIDs, meta.EventNID)
	}

	chainNIDs, err := db.AuthChainEventNIDs(ctx, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("db.AuthChainEventNIDs: %w", err)
	}

	// The queried events are part of their own auth chain.
	combined := make(map[types.EventNID]struct{}, len(chainNIDs)+len(eventNIDs))
	for _, nid := range chainNIDs {
		combined[nid] = struct{}{}
	}
	for _, nid := range eventNIDs {
		combined[nid] = struct{}{}
	}
	all := make([]types.EventNID, 0, len(combined))
	for nid := range combined {
		all = append(all, nid)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	return db.Events(ctx, roomVersion, all)
}
