// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/api"
	"github.com/element-hq/construct/roomserver/storage/shared"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

// updateMemberships updates the membership table to match a change in the
// current state of the room, described by the state entries removed from and
// added to the state. Invites that were replaced by another membership
// produce retire-invite output events so downstream consumers can withdraw
// them.
func (r *Inputer) updateMemberships(
	ctx context.Context,
	updater *shared.RoomUpdater,
	removed, added []types.StateEntry,
) ([]api.OutputEvent, error) {
	changes := membershipChanges(removed, added)

	var eventNIDs []types.EventNID
	for _, change := range changes {
		if change.addedEventNID != 0 {
			eventNIDs = append(eventNIDs, change.addedEventNID)
		}
	}
	events, err := updater.Events(ctx, updater.RoomVersion(), eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("updater.Events: %w", err)
	}
	eventMap := make(map[types.EventNID]types.Event, len(events))
	for _, event := range events {
		eventMap[event.EventNID] = event
	}

	var updates []api.OutputEvent
	for _, change := range changes {
		var add *types.Event
		if event, ok := eventMap[change.addedEventNID]; ok {
			add = &event
		}
		updates, err = r.updateMembership(updater, change.EventStateKeyNID, add, updates)
		if err != nil {
			return nil, err
		}
	}
	return updates, nil
}

func (r *Inputer) updateMembership(
	updater *shared.RoomUpdater,
	targetUserNID types.EventStateKeyNID,
	add *types.Event,
	updates []api.OutputEvent,
) ([]api.OutputEvent, error) {
	if add == nil {
		// A membership event was removed from the state without a
		// replacement. The stored membership only tracks the latest state,
		// so there is nothing to record until a new membership event shows
		// up for the user.
		return updates, nil
	}

	content, err := matrix.NewMemberContentFromEvent(add.PDU)
	if err != nil {
		return nil, fmt.Errorf("matrix.NewMemberContentFromEvent: %w", err)
	}

	targetLocal := r.isLocalTarget(add)
	mu, err := updater.MembershipUpdater(targetUserNID, targetLocal)
	if err != nil {
		return nil, fmt.Errorf("updater.MembershipUpdater: %w", err)
	}

	switch content.Membership {
	case matrix.Invite:
		return updateToInviteMembership(mu, add, updates)
	case matrix.Join:
		return updateToJoinMembership(mu, add, updates)
	case matrix.Leave, matrix.Ban:
		return updateToLeaveMembership(mu, add, content.Membership, updates)
	case matrix.Knock:
		return updateToKnockMembership(mu, add, updates)
	default:
		return nil, fmt.Errorf("unknown membership %q in event %q", content.Membership, add.EventID())
	}
}

func (r *Inputer) isLocalTarget(event *types.Event) bool {
	if stateKey := event.StateKey(); stateKey != nil {
		return matrix.ServerNameFromID(*stateKey) == r.ServerName
	}
	return false
}

func updateToInviteMembership(
	mu *shared.MembershipUpdater, add *types.Event, updates []api.OutputEvent,
) ([]api.OutputEvent, error) {
	if _, err := mu.Update(tables.MembershipStateInvite, add); err != nil {
		return nil, fmt.Errorf("mu.Update: %w", err)
	}
	return updates, nil
}

func updateToJoinMembership(
	mu *shared.MembershipUpdater, add *types.Event, updates []api.OutputEvent,
) ([]api.OutputEvent, error) {
	// A join that replaces a pending invite retires the invite.
	if mu.IsInvite() {
		updates = append(updates, retireInviteEvent(add, matrix.Join))
	}
	if _, err := mu.Update(tables.MembershipStateJoin, add); err != nil {
		return nil, fmt.Errorf("mu.Update: %w", err)
	}
	return updates, nil
}

func updateToLeaveMembership(
	mu *shared.MembershipUpdater, add *types.Event,
	newMembership string, updates []api.OutputEvent,
) ([]api.OutputEvent, error) {
	if mu.IsInvite() {
		updates = append(updates, retireInviteEvent(add, newMembership))
	}
	if _, err := mu.Update(tables.MembershipStateLeaveOrBan, add); err != nil {
		return nil, fmt.Errorf("mu.Update: %w", err)
	}
	return updates, nil
}

func updateToKnockMembership(
	mu *shared.MembershipUpdater, add *types.Event, updates []api.OutputEvent,
) ([]api.OutputEvent, error) {
	if _, err := mu.Update(tables.MembershipStateKnock, add); err != nil {
		return nil, fmt.Errorf("mu.Update: %w", err)
	}
	return updates, nil
}

func retireInviteEvent(add *types.Event, newMembership string) api.OutputEvent {
	var targetUserID string
	if stateKey := add.StateKey(); stateKey != nil {
		targetUserID = *stateKey
	}
	return api.OutputEvent{
		Type: api.OutputTypeRetireInviteEvent,
		RetireInviteEvent: &api.OutputRetireInviteEvent{
			EventID:          add.EventID(),
			RoomID:           add.RoomID(),
			Membership:       newMembership,
			RetiredByEventID: add.EventID(),
			TargetUserID:     targetUserID,
		},
	}
}

// stateChange pairs up the removal and addition of one (type, state key)
// tuple in a state delta.
type stateChange struct {
	types.StateKeyTuple
	removedEventNID types.EventNID
	addedEventNID   types.EventNID
}

// pairUpChanges pairs up the entries in a state delta by their state key
// tuple, so each tuple's old and new events travel together.
func pairUpChanges(removed, added []types.StateEntry) []stateChange {
	changes := map[types.StateKeyTuple]*stateChange{}
	for _, entry := range removed {
		changes[entry.StateKeyTuple] = &stateChange{
			StateKeyTuple:   entry.StateKeyTuple,
			removedEventNID: entry.EventNID,
		}
	}
	for _, entry := range added {
		if change, ok := changes[entry.StateKeyTuple]; ok {
			change.addedEventNID = entry.EventNID
			continue
		}
		changes[entry.StateKeyTuple] = &stateChange{
			StateKeyTuple: entry.StateKeyTuple,
			addedEventNID: entry.EventNID,
		}
	}
	result := make([]stateChange, 0, len(changes))
	for _, change := range changes {
		result = append(result, *change)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EventTypeNID != result[j].EventTypeNID {
			return result[i].EventTypeNID < result[j].EventTypeNID
		}
		return result[i].EventStateKeyNID < result[j].EventStateKeyNID
	})
	return result
}

// membershipChanges filters a state delta down to the membership changes.
func membershipChanges(removed, added []types.StateEntry) []stateChange {
	changes := pairUpChanges(removed, added)
	var memberChanges []stateChange
	for _, change := range changes {
		if change.EventTypeNID == types.MRoomMemberNID {
			memberChanges = append(memberChanges, change)
		}
	}
	return memberChanges
}
