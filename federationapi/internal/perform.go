// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/construct/federationapi/api"
	"github.com/element-hq/construct/matrix"
	roomserverAPI "github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/types"
)

// PerformJoin joins a room using a list of servers. Each of the servers
// will be tried sequentially until one of them returns a successful join
// handshake, or until all of them have been tried.
func (r *FederationInternalAPI) PerformJoin(
	ctx context.Context,
	request *api.PerformJoinRequest,
	response *api.PerformJoinResponse,
) {
	response.RoomID = request.RoomID

	// A concurrent join to the same room would race on the room state, so
	// joins to one room are serialised.
	v, _ := r.joins.LoadOrStore(request.RoomID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// Deduplicate the server names we were provided but keep the ordering
	// as we were given it, since the caller puts the most likely ones first.
	seenSet := make(map[string]bool)
	var uniqueList []string
	for _, srv := range request.ServerNames {
		if seenSet[srv] || r.cfg.Matrix.IsLocalServerName(srv) {
			continue
		}
		seenSet[srv] = true
		uniqueList = append(uniqueList, srv)
	}

	var lastErr error
	for _, serverName := range uniqueList {
		if err := r.performJoinUsingServer(
			ctx, request.RoomID, request.UserID,
			request.Content, request.Unsigned, serverName,
		); err != nil {
			util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
				"server_name": serverName,
				"room_id":     request.RoomID,
			}).Warnf("Failed to join room through server")
			lastErr = err
			continue
		}
		response.JoinedVia = serverName
		return
	}

	// If we reach here, all of the servers tried to join through have
	// failed. Pass the last error through to the caller.
	var federationClientError *api.FederationClientError
	if lastErr != nil {
		if !errors.As(lastErr, &federationClientError) {
			federationClientError = &api.FederationClientError{
				Err: lastErr.Error(),
			}
		}
	} else {
		federationClientError = &api.FederationClientError{
			Err: fmt.Sprintf("no servers to join %q through", request.RoomID),
		}
	}
	response.LastError = federationClientError
}

func (r *FederationInternalAPI) performJoinUsingServer(
	ctx context.Context,
	roomID, userID string,
	content map[string]interface{},
	unsigned map[string]interface{},
	serverName string,
) error {
	identity, err := r.cfg.Matrix.SigningIdentityFor(matrix.ServerNameFromID(userID))
	if err != nil {
		return fmt.Errorf("no signing identity for %q: %w", userID, err)
	}

	respMakeJoin, err := r.MakeJoin(ctx, identity.ServerName, serverName, roomID, userID)
	if err != nil {
		return fmt.Errorf("r.MakeJoin: %w", err)
	}

	// The remote server tells us the room version in the make_join
	// response. A missing version means a version 1 room, which we cannot
	// participate in.
	roomVersion := respMakeJoin.RoomVersion
	if roomVersion == "" {
		roomVersion = "1"
	}
	verImpl, err := matrix.GetRoomVersion(roomVersion)
	if err != nil {
		return err
	}

	if content == nil {
		content = map[string]interface{}{}
	}
	content["membership"] = matrix.Join
	proto := respMakeJoin.JoinEvent
	if proto.RoomID != roomID {
		return fmt.Errorf("server %q returned make_join event for room %q, expected %q", serverName, proto.RoomID, roomID)
	}
	builder := matrix.EventBuilder{
		Sender:     proto.SenderID,
		RoomID:     proto.RoomID,
		Type:       proto.Type,
		StateKey:   proto.StateKey,
		Depth:      proto.Depth,
		PrevEvents: proto.PrevEvents,
		AuthEvents: proto.AuthEvents,
	}
	if err = builder.SetContent(content); err != nil {
		return fmt.Errorf("builder.SetContent: %w", err)
	}
	if unsigned != nil {
		if err = builder.SetUnsigned(unsigned); err != nil {
			return fmt.Errorf("builder.SetUnsigned: %w", err)
		}
	}
	event, err := builder.Build(time.Now(), identity.ServerName, identity.KeyID, identity.Signer(), verImpl)
	if err != nil {
		return fmt.Errorf("builder.Build: %w", err)
	}

	respSendJoin, err := r.SendJoin(ctx, identity.ServerName, serverName, event)
	if err != nil {
		return fmt.Errorf("r.SendJoin: %w", err)
	}
	if respSendJoin.MembersOmitted {
		return fmt.Errorf("server %q omitted the room members from the join response", serverName)
	}

	// The resident server signs the join event on top of our signature. If
	// it returned the event, use its copy, as long as it didn't change it.
	joinEvent := event
	if len(respSendJoin.Event) > 0 {
		remoteEvent, err := matrix.NewEventFromUntrustedJSON(respSendJoin.Event, verImpl)
		if err == nil && remoteEvent.EventID() == event.EventID() {
			joinEvent = remoteEvent
		}
	}

	stateEvents := respSendJoin.StateEvents.UntrustedEvents(roomVersion)
	if err = checkEventsContainCreateEvent(stateEvents); err != nil {
		return fmt.Errorf("sanityCheckJoinResponse: %w", err)
	}
	if err = r.verifyEventSignatures(ctx, stateEvents); err != nil {
		return err
	}
	authEvents := respSendJoin.AuthEvents.UntrustedEvents(roomVersion)
	if err = r.verifyEventSignatures(ctx, authEvents); err != nil {
		return err
	}

	respState := matrix.RespState{
		StateEvents: matrix.NewEventJSONsFromEvents(stateEvents),
		AuthEvents:  matrix.NewEventJSONsFromEvents(authEvents),
	}
	if err = roomserverAPI.SendEventWithState(
		ctx, r.rsAPI, identity.ServerName, roomserverAPI.KindNew,
		&respState, &types.HeaderedEvent{PDU: joinEvent}, serverName, false,
	); err != nil {
		return fmt.Errorf("roomserverAPI.SendEventWithState: %w", err)
	}
	return nil
}

// PerformLeave leaves a room using a list of servers.
func (r *FederationInternalAPI) PerformLeave(
	ctx context.Context,
	request *api.PerformLeaveRequest,
	response *api.PerformLeaveResponse,
) error {
	identity, err := r.cfg.Matrix.SigningIdentityFor(matrix.ServerNameFromID(request.UserID))
	if err != nil {
		return fmt.Errorf("no signing identity for %q: %w", request.UserID, err)
	}

	// Try each server that we were provided until we land on one that
	// successfully completes the make_leave and send_leave handshake.
	var lastErr error
	for _, serverName := range request.ServerNames {
		if r.cfg.Matrix.IsLocalServerName(serverName) {
			continue
		}
		respMakeLeave, err := r.MakeLeave(ctx, identity.ServerName, serverName, request.RoomID, request.UserID)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Warnf("r.MakeLeave failed")
			lastErr = fmt.Errorf("r.MakeLeave: %w", err)
			continue
		}

		roomVersion := respMakeLeave.RoomVersion
		if roomVersion == "" {
			roomVersion = "1"
		}
		verImpl, err := matrix.GetRoomVersion(roomVersion)
		if err != nil {
			lastErr = err
			continue
		}

		proto := respMakeLeave.LeaveEvent
		builder := matrix.EventBuilder{
			Sender:     proto.SenderID,
			RoomID:     proto.RoomID,
			Type:       proto.Type,
			StateKey:   proto.StateKey,
			Depth:      proto.Depth,
			PrevEvents: proto.PrevEvents,
			AuthEvents: proto.AuthEvents,
		}
		if err = builder.SetContent(map[string]interface{}{"membership": matrix.Leave}); err != nil {
			lastErr = fmt.Errorf("builder.SetContent: %w", err)
			continue
		}
		event, err := builder.Build(time.Now(), identity.ServerName, identity.KeyID, identity.Signer(), verImpl)
		if err != nil {
			lastErr = fmt.Errorf("builder.Build: %w", err)
			continue
		}

		if err = r.SendLeave(ctx, identity.ServerName, serverName, event); err != nil {
			lastErr = fmt.Errorf("r.SendLeave: %w", err)
			continue
		}
		return nil
	}

	// If we reach here then we didn't complete a leave for some reason.
	if lastErr == nil {
		lastErr = fmt.Errorf("no servers to leave %q through", request.RoomID)
	}
	return lastErr
}

// PerformKnock knocks on a room using a list of servers, so that the room's
// members can later invite the knocking user in.
func (r *FederationInternalAPI) PerformKnock(
	ctx context.Context,
	request *api.PerformKnockRequest,
	response *api.PerformKnockResponse,
) error {
	response.RoomID = request.RoomID
	identity, err := r.cfg.Matrix.SigningIdentityFor(matrix.ServerNameFromID(request.UserID))
	if err != nil {
		return fmt.Errorf("no signing identity for %q: %w", request.UserID, err)
	}

	// Knocking needs a room version that supports it, so tell the remote
	// which versions we can speak.
	supported := make([]matrix.RoomVersion, 0, len(matrix.RoomVersions()))
	for version, impl := range matrix.RoomVersions() {
		if impl.AllowKnocking() {
			supported = append(supported, version)
		}
	}

	var lastErr error
	for _, serverName := range request.ServerNames {
		if r.cfg.Matrix.IsLocalServerName(serverName) {
			continue
		}
		respMakeKnock, err := r.MakeKnock(ctx, identity.ServerName, serverName, request.RoomID, request.UserID, supported)
		if err != nil {
			lastErr = fmt.Errorf("r.MakeKnock: %w", err)
			continue
		}

		verImpl, err := matrix.GetRoomVersion(respMakeKnock.RoomVersion)
		if err != nil {
			lastErr = err
			continue
		}
		if !verImpl.AllowKnocking() {
			lastErr = fmt.Errorf("room version %q does not support knocking", respMakeKnock.RoomVersion)
			continue
		}

		content := request.Content
		if content == nil {
			content = map[string]interface{}{}
		}
		content["membership"] = matrix.Knock
		proto := respMakeKnock.KnockEvent
		builder := matrix.EventBuilder{
			Sender:     proto.SenderID,
			RoomID:     proto.RoomID,
			Type:       proto.Type,
			StateKey:   proto.StateKey,
			Depth:      proto.Depth,
			PrevEvents: proto.PrevEvents,
			AuthEvents: proto.AuthEvents,
		}
		if err = builder.SetContent(content); err != nil {
			lastErr = fmt.Errorf("builder.SetContent: %w", err)
			continue
		}
		event, err := builder.Build(time.Now(), identity.ServerName, identity.KeyID, identity.Signer(), verImpl)
		if err != nil {
			lastErr = fmt.Errorf("builder.Build: %w", err)
			continue
		}

		if _, err = r.SendKnock(ctx, identity.ServerName, serverName, event); err != nil {
			lastErr = fmt.Errorf("r.SendKnock: %w", err)
			continue
		}
		response.KnockedVia = serverName
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no servers to knock on %q through", request.RoomID)
	}
	return lastErr
}

// checkEventsContainCreateEvent checks that the state of a room join
// actually contains the room's create event, with a room version this
// server can speak. A join response without one is unusable.
func checkEventsContainCreateEvent(events []matrix.PDU) error {
	for _, ev := range events {
		if ev.Type() == "m.room.create" && ev.StateKeyEquals("") {
			// A create event without a room_version claims version 1.
			verContent := struct {
				RoomVersion string `json:"room_version"`
			}{RoomVersion: "1"}
			if err := json.Unmarshal(ev.Content(), &verContent); err != nil {
				return fmt.Errorf("m.room.create event has invalid content: %w", err)
			}
			if _, err := matrix.GetRoomVersion(matrix.RoomVersion(verContent.RoomVersion)); err != nil {
				return fmt.Errorf("m.room.create event has an unknown room version %q", verContent.RoomVersion)
			}
			return nil
		}
	}
	return fmt.Errorf("response is missing m.room.create event")
}

func (r *FederationInternalAPI) verifyEventSignatures(ctx context.Context, events []matrix.PDU) error {
	if r.keyRing == nil {
		return nil
	}
	for _, ev := range events {
		verImpl, err := matrix.GetRoomVersion(ev.Version())
		if err != nil {
			return err
		}
		serverName := matrix.ServerNameFromID(ev.Sender())
		if err := matrix.VerifyEventSignature(ctx, r.keyRing, serverName, ev.JSON(), verImpl); err != nil {
			return fmt.Errorf("event %q has an invalid signature: %w", ev.EventID(), err)
		}
	}
	return nil
}
