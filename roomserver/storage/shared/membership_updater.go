// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

// MembershipUpdater tracks the stored membership of one user in one room
// while a new membership event for that pair is applied.
type MembershipUpdater struct {
	transaction
	d             *Database
	roomNID       types.RoomNID
	targetUserNID types.EventStateKeyNID
	membership    tables.MembershipState
}

// NewMembershipUpdater loads, inserting a default row if needed, the
// membership of the target user in the room, locked for update within the
// given transaction.
func NewMembershipUpdater(
	ctx context.Context, d *Database, txn *sql.Tx,
	roomNID types.RoomNID, targetUserNID types.EventStateKeyNID, targetLocal bool,
) (*MembershipUpdater, error) {
	var membership tables.MembershipState
	err := d.Writer.Do(d.DB, txn, func(txn *sql.Tx) (err error) {
		if err = d.MembershipTable.InsertMembership(ctx, txn, roomNID, targetUserNID, targetLocal); err != nil {
			return fmt.Errorf("d.MembershipTable.InsertMembership: %w", err)
		}
		membership, err = d.MembershipTable.SelectMembershipForUpdate(ctx, txn, roomNID, targetUserNID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &MembershipUpdater{
		transaction{ctx, txn}, d, roomNID, targetUserNID, membership,
	}, nil
}

// IsInvite reports whether the stored membership is invite.
func (u *MembershipUpdater) IsInvite() bool {
	return u.membership == tables.MembershipStateInvite
}

// IsJoin reports whether the stored membership is join.
func (u *MembershipUpdater) IsJoin() bool {
	return u.membership == tables.MembershipStateJoin
}

// IsKnock reports whether the stored membership is knock.
func (u *MembershipUpdater) IsKnock() bool {
	return u.membership == tables.MembershipStateKnock
}

// IsLeaveOrBan reports whether the stored membership is leave or ban.
func (u *MembershipUpdater) IsLeaveOrBan() bool {
	return u.membership == tables.MembershipStateLeaveOrBan
}

// Update replaces the stored membership with the one carried by the event.
// It returns true if the stored row actually changed.
func (u *MembershipUpdater) Update(newMembership tables.MembershipState, event *types.Event) (bool, error) {
	var inserted bool
	senderUserNID, err := u.d.GetOrCreateEventStateKeyNID(u.ctx, pointerTo(event.Sender()))
	if err != nil {
		return false, fmt.Errorf("u.d.GetOrCreateEventStateKeyNID: %w", err)
	}
	err = u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) error {
		inserted, err = u.d.MembershipTable.UpdateMembership(
			u.ctx, txn, u.roomNID, u.targetUserNID, senderUserNID,
			newMembership, event.EventNID, false,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("u.d.MembershipTable.UpdateMembership: %w", err)
	}
	u.membership = newMembership
	return inserted, nil
}

func pointerTo(s string) *string {
	return &s
}
