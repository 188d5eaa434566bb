// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package query answers questions about rooms and events the roomserver has
// already ingested. Queries never write, with the one exception of state
// frames created as a side effect of resolving state across forks.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/internal/helpers"
	"github.com/element-hq/construct/roomserver/state"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

// Queryer implements api.QueryEventsAPI over the roomserver database.
type Queryer struct {
	DB  storage.RoomDatabase
	Cfg *config.RoomServer
}

// QueryEventsByID implements api.QueryEventsAPI.
func (r *Queryer) QueryEventsByID(
	ctx context.Context,
	request *api.QueryEventsByIDRequest,
	response *api.QueryEventsByIDResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil {
		return nil
	}
	events, err := r.DB.EventsFromIDs(ctx, roomInfo, request.EventIDs)
	if err != nil {
		return fmt.Errorf("r.DB.EventsFromIDs: %w", err)
	}
	for _, event := range events {
		response.Events = append(response.Events, &types.HeaderedEvent{PDU: event.PDU})
	}
	return nil
}

// QueryLatestEventsAndState implements api.QueryEventsAPI.
func (r *Queryer) QueryLatestEventsAndState(
	ctx context.Context,
	request *api.QueryLatestEventsAndStateRequest,
	response *api.QueryLatestEventsAndStateResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil
	}
	response.RoomExists = true
	response.RoomVersion = roomInfo.RoomVersion

	var currentStateFrameNID types.StateFrameNID
	var depth int64
	response.LatestEvents, currentStateFrameNID, depth, err = r.DB.LatestEventIDs(ctx, roomInfo.RoomNID)
	if err != nil {
		return fmt.Errorf("r.DB.LatestEventIDs: %w", err)
	}
	response.Depth = depth + 1

	roomState := state.NewStateResolution(r.DB, roomInfo, r.Cfg.StateCompression)
	var stateEntries []types.StateEntry
	if len(request.StateToFetch) == 0 {
		stateEntries, err = roomState.LoadStateAtFrame(ctx, currentStateFrameNID)
	} else {
		stateEntries, err = roomState.LoadStateAtFrameForStringTuples(ctx, currentStateFrameNID, request.StateToFetch)
	}
	if err != nil {
		return fmt.Errorf("roomState.LoadStateAtFrame: %w", err)
	}

	response.StateEvents, err = r.loadStateEvents(ctx, roomInfo, stateEntries)
	return err
}

// QueryStateAfterEvents implements api.QueryEventsAPI.
func (r *Queryer) QueryStateAfterEvents(
	ctx context.Context,
	request *api.QueryStateAfterEventsRequest,
	response *api.QueryStateAfterEventsResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil
	}
	response.RoomExists = true
	response.RoomVersion = roomInfo.RoomVersion

	prevStates, err := r.DB.StateAtEventIDs(ctx, request.PrevEventIDs)
	if err != nil {
		if _, ok := err.(types.MissingEventError); ok {
			return nil
		}
		return fmt.Errorf("r.DB.StateAtEventIDs: %w", err)
	}
	for _, stateAtEvent := range prevStates {
		// An event stored as an outlier has no usable state.
		if stateAtEvent.BeforeStateFrameNID == 0 {
			return nil
		}
	}
	response.PrevEventsExist = true

	roomState := state.NewStateResolution(r.DB, roomInfo, r.Cfg.StateCompression)
	var stateEntries []types.StateEntry
	if len(request.StateToFetch) == 0 {
		// Resolving across all the prev events produces, and caches, a
		// state frame holding the full result.
		frameNID, err := roomState.CalculateAndStoreStateAfterEvents(ctx, prevStates)
		if err != nil {
			return fmt.Errorf("roomState.CalculateAndStoreStateAfterEvents: %w", err)
		}
		stateEntries, err = roomState.LoadStateAtFrame(ctx, frameNID)
		if err != nil {
			return fmt.Errorf("roomState.LoadStateAtFrame: %w", err)
		}
	} else {
		stateEntries, err = roomState.LoadStateAfterEventsForStringTuples(
			ctx, roomInfo.RoomNID, prevStates, request.StateToFetch,
		)
		if err != nil {
			if _, ok := err.(types.MissingEventError); ok {
				response.PrevEventsExist = false
				return nil
			}
			return fmt.Errorf("roomState.LoadStateAfterEventsForStringTuples: %w", err)
		}
	}

	response.StateEvents, err = r.loadStateEvents(ctx, roomInfo, stateEntries)
	return err
}

// QueryStateAtEvent implements api.QueryEventsAPI.
func (r *Queryer) QueryStateAtEvent(
	ctx context.Context,
	request *api.QueryStateAtEventRequest,
	response *api.QueryStateAtEventResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil
	}

	roomState := state.NewStateResolution(r.DB, roomInfo, r.Cfg.StateCompression)
	stateEntries, err := roomState.LoadStateAtEvent(ctx, request.EventID)
	if err != nil {
		return fmt.Errorf("roomState.LoadStateAtEvent: %w", err)
	}

	stateEvents, err := r.loadStateEvents(ctx, roomInfo, stateEntries)
	if err != nil {
		return err
	}
	if len(request.StateToFetch) == 0 {
		response.StateEvents = stateEvents
		return nil
	}
	wanted := make(map[matrix.StateKeyTuple]struct{}, len(request.StateToFetch))
	for _, tuple := range request.StateToFetch {
		wanted[tuple] = struct{}{}
	}
	for _, event := range stateEvents {
		stateKey := event.StateKey()
		if stateKey == nil {
			continue
		}
		if _, ok := wanted[matrix.StateKeyTuple{EventType: event.Type(), StateKey: *stateKey}]; ok {
			response.StateEvents = append(response.StateEvents, event)
		}
	}
	return nil
}

// QueryMembershipForUser implements api.QueryEventsAPI.
func (r *Queryer) QueryMembershipForUser(
	ctx context.Context,
	request *api.QueryMembershipForUserRequest,
	response *api.QueryMembershipForUserResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil {
		return nil
	}
	response.RoomExists = true

	membershipEventNID, stillInRoom, err := r.DB.GetMembership(ctx, roomInfo.RoomNID, request.UserID)
	if err != nil {
		return fmt.Errorf("r.DB.GetMembership: %w", err)
	}
	if membershipEventNID == 0 {
		return nil
	}

	events, err := r.DB.Events(ctx, roomInfo.RoomVersion, []types.EventNID{membershipEventNID})
	if err != nil {
		return fmt.Errorf("r.DB.Events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	content, err := matrix.NewMemberContentFromEvent(events[0].PDU)
	if err != nil {
		return fmt.Errorf("matrix.NewMemberContentFromEvent: %w", err)
	}
	response.EventID = events[0].EventID()
	response.Membership = content.Membership
	response.IsInRoom = stillInRoom
	return nil
}

// QueryJoinedHostServerNamesInRoom implements api.QueryEventsAPI.
func (r *Queryer) QueryJoinedHostServerNamesInRoom(
	ctx context.Context,
	request *api.QueryJoinedHostServerNamesInRoomRequest,
	response *api.QueryJoinedHostServerNamesInRoomResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil {
		return nil
	}
	eventNIDs, err := r.DB.GetMembershipEventNIDsForRoom(ctx, roomInfo.RoomNID, true, false)
	if err != nil {
		return fmt.Errorf("r.DB.GetMembershipEventNIDsForRoom: %w", err)
	}
	if len(eventNIDs) == 0 {
		return nil
	}
	events, err := r.DB.Events(ctx, roomInfo.RoomVersion, eventNIDs)
	if err != nil {
		return fmt.Errorf("r.DB.Events: %w", err)
	}
	seen := map[string]struct{}{}
	for _, event := range events {
		stateKey := event.StateKey()
		if stateKey == nil {
			continue
		}
		serverName := matrix.ServerNameFromID(*stateKey)
		if serverName == "" {
			continue
		}
		if request.ExcludeSelf && r.Cfg.Matrix.IsLocalServerName(serverName) {
			continue
		}
		if _, ok := seen[serverName]; ok {
			continue
		}
		seen[serverName] = struct{}{}
		response.ServerNames = append(response.ServerNames, serverName)
	}
	return nil
}

// QueryAuthChain implements api.QueryEventsAPI.
func (r *Queryer) QueryAuthChain(
	ctx context.Context,
	request *api.QueryAuthChainRequest,
	response *api.QueryAuthChainResponse,
) error {
	if len(request.EventIDs) == 0 {
		return nil
	}
	// The request carries no room ID, so recover the room version from the
	// room of the first known event.
	nidMap, err := r.DB.EventNIDs(ctx, request.EventIDs)
	if err != nil {
		return fmt.Errorf("r.DB.EventNIDs: %w", err)
	}
	var roomNID types.RoomNID
	for _, meta := range nidMap {
		roomNID = meta.RoomNID
		break
	}
	if roomNID == 0 {
		return nil
	}
	versions, err := r.DB.RoomVersions(ctx, []types.RoomNID{roomNID})
	if err != nil {
		return fmt.Errorf("r.DB.RoomVersions: %w", err)
	}

	chain, err := helpers.QueryAuthChain(ctx, r.DB, versions[roomNID], request.EventIDs)
	if err != nil {
		return fmt.Errorf("helpers.QueryAuthChain: %w", err)
	}
	for _, event := range chain {
		response.AuthChain = append(response.AuthChain, &types.HeaderedEvent{PDU: event.PDU})
	}
	return nil
}

// QueryMissingEvents implements api.QueryEventsAPI. It walks prev_events
// backwards from the events the requester is missing until it reaches the
// events the requester already has, up to the requested limit. Rejected and
// soft-failed events are never returned.
func (r *Queryer) QueryMissingEvents(
	ctx context.Context,
	request *api.QueryMissingEventsRequest,
	response *api.QueryMissingEventsResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil
	}

	limit := request.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	stop := make(map[string]struct{}, len(request.EarliestEvents))
	for _, id := range request.EarliestEvents {
		stop[id] = struct{}{}
	}
	visited := make(map[string]struct{}, limit)
	for _, id := range request.LatestEvents {
		visited[id] = struct{}{}
	}

	var result []types.Event
	front := request.LatestEvents
	for len(front) > 0 && len(result) < limit {
		var next []string
		events, err := r.DB.EventsFromIDs(ctx, roomInfo, front)
		if err != nil {
			return fmt.Errorf("r.DB.EventsFromIDs: %w", err)
		}
		for _, event := range events {
			for _, prevEventID := range event.PrevEventIDs() {
				if _, ok := stop[prevEventID]; ok {
					continue
				}
				if _, ok := visited[prevEventID]; ok {
					continue
				}
				visited[prevEventID] = struct{}{}
				next = append(next, prevEventID)
			}
		}
		if len(next) == 0 {
			break
		}
		found, err := r.DB.EventsFromIDs(ctx, roomInfo, next)
		if err != nil {
			return fmt.Errorf("r.DB.EventsFromIDs: %w", err)
		}
		front = front[:0]
		for _, event := range found {
			rejected, err := r.DB.IsEventRejected(ctx, roomInfo.RoomNID, event.EventID())
			if err != nil {
				return fmt.Errorf("r.DB.IsEventRejected: %w", err)
			}
			if rejected {
				continue
			}
			if len(result) < limit {
				result = append(result, event)
			}
			front = append(front, event.EventID())
		}
	}

	// Oldest first, so the requester can apply them in order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Depth() < result[j].Depth()
	})
	for _, event := range result {
		response.Events = append(response.Events, &types.HeaderedEvent{PDU: event.PDU})
	}
	return nil
}

// QueryRoomVersionForRoom implements api.QueryEventsAPI.
func (r *Queryer) QueryRoomVersionForRoom(ctx context.Context, roomID string) (matrix.RoomVersion, error) {
	return r.DB.GetRoomVersion(ctx, roomID)
}

// PerformBackfill walks the room's event graph backwards from the given
// backwards extremities and returns up to limit stored events, for serving
// a remote server's /backfill request.
func (r *Queryer) PerformBackfill(
	ctx context.Context,
	request *api.PerformBackfillRequest,
	response *api.PerformBackfillResponse,
) error {
	roomInfo, err := r.DB.RoomInfo(ctx, request.RoomID)
	if err != nil {
		return fmt.Errorf("r.DB.RoomInfo: %w", err)
	}
	if roomInfo == nil || roomInfo.IsStub() {
		return nil
	}

	limit := request.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	visited := map[string]struct{}{}
	front := request.PrevEventIDs()
	var result []types.Event
	for len(front) > 0 && len(result) < limit {
		events, err := r.DB.EventsFromIDs(ctx, roomInfo, front)
		if err != nil {
			return fmt.Errorf("r.DB.EventsFromIDs: %w", err)
		}
		front = front[:0]
		for _, event := range events {
			if _, ok := visited[event.EventID()]; ok {
				continue
			}
			visited[event.EventID()] = struct{}{}
			rejected, err := r.DB.IsEventRejected(ctx, roomInfo.RoomNID, event.EventID())
			if err != nil {
				return fmt.Errorf("r.DB.IsEventRejected: %w", err)
			}
			if rejected {
				continue
			}
			if len(result) >= limit {
				break
			}
			result = append(result, event)
			front = append(front, event.PrevEventIDs()...)
		}
	}

	// Newest first, matching the order of a /backfill response.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Depth() > result[j].Depth()
	})
	for _, event := range result {
		response.Events = append(response.Events, &types.HeaderedEvent{PDU: event.PDU})
	}
	response.HistoryVisibility = r.currentHistoryVisibility(ctx, request.RoomID)
	return nil
}

// currentHistoryVisibility reads the room's current history visibility,
// defaulting to shared when unset or unreadable.
func (r *Queryer) currentHistoryVisibility(ctx context.Context, roomID string) string {
	event, err := r.DB.GetStateEvent(ctx, roomID, "m.room.history_visibility", "")
	if err != nil || event == nil {
		return "shared"
	}
	content := struct {
		HistoryVisibility string `json:"history_visibility"`
	}{}
	if err := json.Unmarshal(event.Content(), &content); err != nil || content.HistoryVisibility == "" {
		return "shared"
	}
	return content.HistoryVisibility
}

// IsKnownRoom reports whether the room exists with at least one event.
func (r *Queryer) IsKnownRoom(ctx context.Context, roomID string) (bool, error) {
	roomNID, err := r.DB.RoomNIDExcludingStubs(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("r.DB.RoomNIDExcludingStubs: %w", err)
	}
	return roomNID != 0, nil
}

// loadStateEvents loads the event bodies for a list of state entries.
func (r *Queryer) loadStateEvents(
	ctx context.Context, roomInfo *types.RoomInfo, stateEntries []types.StateEntry,
) ([]*types.HeaderedEvent, error) {
	eventNIDs := make([]types.EventNID, 0, len(stateEntries))
	for _, entry := range stateEntries {
		eventNIDs = append(eventNIDs, entry.EventNID)
	}
	events, err := r.DB.Events(ctx, roomInfo.RoomVersion, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.Events: %w", err)
	}
	result := make([]*types.HeaderedEvent, 0, len(events))
	for _, event := range events {
		result = append(result, &types.HeaderedEvent{PDU: event.PDU})
	}
	return result, nil
}
