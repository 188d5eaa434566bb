// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

type transaction struct {
	ctx context.Context
	txn *sql.Tx
}

// Commit implements sqlutil.Transaction. A nil inner transaction means the
// writes already went through the exclusive writer one at a time.
func (t *transaction) Commit() error {
	if t.txn == nil {
		return nil
	}
	return t.txn.Commit()
}

// Rollback implements sqlutil.Transaction.
func (t *transaction) Rollback() error {
	if t.txn == nil {
		return nil
	}
	return t.txn.Rollback()
}

// RoomUpdater locks the latest events of a room for update, so that the
// forward extremities and current state frame can be recalculated without
// racing a concurrent writer for the same room.
type RoomUpdater struct {
	transaction
	d                    *Database
	roomInfo             *types.RoomInfo
	latestEvents         []types.StateAtEventAndReference
	lastEventIDSent      string
	currentStateFrameNID types.StateFrameNID
	roomExists           bool
}

// NewRoomUpdater constructs an updater over the given transaction, reading
// and locking the room's latest events row. The room may be a stub with no
// events yet, in which case the latest events are empty.
func NewRoomUpdater(ctx context.Context, d *Database, txn *sql.Tx, roomInfo *types.RoomInfo) (*RoomUpdater, error) {
	eventNIDs, lastEventNIDSent, currentStateFrameNID, err :=
		d.RoomsTable.SelectLatestEventsNIDsForUpdate(ctx, txn, roomInfo.RoomNID)
	if err != nil {
		return nil, err
	}
	stateAndRefs, err := d.EventsTable.BulkSelectStateAtEventAndReference(ctx, txn, eventNIDs)
	if err != nil {
		return nil, err
	}
	var lastEventIDSent string
	if lastEventNIDSent != 0 {
		lastEventIDSent, err = d.EventsTable.SelectEventID(ctx, txn, lastEventNIDSent)
		if err != nil {
			return nil, err
		}
	}
	return &RoomUpdater{
		transaction{ctx, txn}, d, roomInfo, stateAndRefs, lastEventIDSent, currentStateFrameNID, true,
	}, nil
}

// GetRoomUpdater returns a RoomUpdater for the room. The returned updater
// holds row locks until Commit or Rollback is called and must not be leaked.
func (d *Database) GetRoomUpdater(ctx context.Context, roomInfo *types.RoomInfo) (*RoomUpdater, error) {
	if d.GetRoomUpdaterFn != nil {
		return d.GetRoomUpdaterFn(ctx, roomInfo)
	}
	txn, err := d.DB.Begin()
	if err != nil {
		return nil, err
	}
	updater, err := NewRoomUpdater(ctx, d, txn, roomInfo)
	if err != nil {
		txn.Rollback() // nolint: errcheck
		return nil, err
	}
	return updater, nil
}

// RoomInfo returns the room header this updater was opened for.
func (u *RoomUpdater) RoomInfo() *types.RoomInfo {
	return u.roomInfo
}

// RoomVersion returns the version of the room this updater covers.
func (u *RoomUpdater) RoomVersion() matrix.RoomVersion {
	return u.roomInfo.RoomVersion
}

// RoomExists reports whether the room has any events at all.
func (u *RoomUpdater) RoomExists() bool {
	return u.roomExists && !u.roomInfo.IsStub()
}

// LatestEvents returns the forward extremities as they were when the updater
// was opened.
func (u *RoomUpdater) LatestEvents() []types.StateAtEventAndReference {
	return u.latestEvents
}

// LastEventIDSent returns the ID of the last event written to the output
// stream for this room.
func (u *RoomUpdater) LastEventIDSent() string {
	return u.lastEventIDSent
}

// CurrentStateFrameNID returns the frame holding the room's current state as
// it was when the updater was opened.
func (u *RoomUpdater) CurrentStateFrameNID() types.StateFrameNID {
	return u.currentStateFrameNID
}

// StorePreviousEvents records the prev_event references of the event.
func (u *RoomUpdater) StorePreviousEvents(eventNID types.EventNID, prevEventIDs []string) error {
	return u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) error {
		for _, eventID := range prevEventIDs {
			if err := u.d.PrevEventsTable.InsertPreviousEvent(u.ctx, txn, eventID, eventNID); err != nil {
				return fmt.Errorf("u.d.PrevEventsTable.InsertPreviousEvent: %w", err)
			}
		}
		return nil
	})
}

// IsReferenced reports whether any stored event lists the given event in its
// prev_events, i.e. whether the event is no longer a forward extremity.
func (u *RoomUpdater) IsReferenced(eventID string) (bool, error) {
	err := u.d.PrevEventsTable.SelectPreviousEventExists(u.ctx, u.txn, eventID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("u.d.PrevEventsTable.SelectPreviousEventExists: %w", err)
}

// HasEventBeenSent reports whether the event was already written to the
// output stream.
func (u *RoomUpdater) HasEventBeenSent(eventNID types.EventNID) (bool, error) {
	return u.d.EventsTable.SelectEventSentToOutput(u.ctx, u.txn, eventNID)
}

// MarkEventAsSent records that the event was written to the output stream.
func (u *RoomUpdater) MarkEventAsSent(eventNID types.EventNID) error {
	return u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) error {
		return u.d.EventsTable.UpdateEventSentToOutput(u.ctx, txn, eventNID)
	})
}

// SetLatestEvents replaces the room's forward extremities and current state
// frame. The cached RoomInfo is updated in place so other readers observe
// the new frame without a database hit.
func (u *RoomUpdater) SetLatestEvents(
	roomNID types.RoomNID, latest []types.StateAtEventAndReference,
	lastEventNIDSent types.EventNID, currentStateFrameNID types.StateFrameNID,
) error {
	eventNIDs := make([]types.EventNID, len(latest))
	for i := range latest {
		eventNIDs[i] = latest[i].EventNID
	}
	return u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) error {
		if err := u.d.RoomsTable.UpdateLatestEventNIDs(u.ctx, txn, roomNID, eventNIDs, lastEventNIDSent, currentStateFrameNID); err != nil {
			return fmt.Errorf("u.d.RoomsTable.UpdateLatestEventNIDs: %w", err)
		}
		u.roomInfo.SetStateFrameNID(currentStateFrameNID)
		u.roomInfo.SetIsStub(false)
		u.roomInfo.SetLastEventSentNID(lastEventNIDSent)
		return nil
	})
}

// MembershipUpdater returns a membership updater sharing this updater's
// transaction.
func (u *RoomUpdater) MembershipUpdater(targetUserNID types.EventStateKeyNID, targetLocal bool) (*MembershipUpdater, error) {
	return NewMembershipUpdater(u.ctx, u.d, u.txn, u.roomInfo.RoomNID, targetUserNID, targetLocal)
}

// The methods below delegate to the Database within the updater's
// transaction so that state resolution performed during an update sees its
// own uncommitted writes.

func (u *RoomUpdater) EventTypeNIDs(ctx context.Context, eventTypes []string) (map[string]types.EventTypeNID, error) {
	return u.d.EventTypeNIDs(ctx, eventTypes)
}

func (u *RoomUpdater) EventStateKeyNIDs(ctx context.Context, eventStateKeys []string) (map[string]types.EventStateKeyNID, error) {
	return u.d.EventStateKeyNIDs(ctx, eventStateKeys)
}

func (u *RoomUpdater) StateFrames(ctx context.Context, frameNIDs []types.StateFrameNID) ([]types.StateFrame, error) {
	return u.d.StateFramesTable.BulkSelectStateFrames(ctx, u.txn, frameNIDs)
}

func (u *RoomUpdater) FrameDepth(ctx context.Context, frameNID types.StateFrameNID) (int, error) {
	return u.d.StateFramesTable.SelectFrameDepth(ctx, u.txn, frameNID)
}

func (u *RoomUpdater) AddState(
	ctx context.Context, roomNID types.RoomNID, parentFrameNID types.StateFrameNID,
	appends []types.StateEntry, removes []types.StateKeyTuple,
) (frameNID types.StateFrameNID, err error) {
	depth := 1
	if parentFrameNID != 0 {
		parentDepth, err := u.d.StateFramesTable.SelectFrameDepth(ctx, u.txn, parentFrameNID)
		if err != nil {
			return 0, fmt.Errorf("u.d.StateFramesTable.SelectFrameDepth: %w", err)
		}
		depth = parentDepth + 1
	}
	err = u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) (err error) {
		frameNID, err = u.d.StateFramesTable.InsertState(ctx, txn, roomNID, parentFrameNID, depth, appends, removes)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("u.d.StateFramesTable.InsertState: %w", err)
	}
	return frameNID, nil
}

func (u *RoomUpdater) AuthChains(ctx context.Context, eventNIDs []types.EventNID) (map[types.EventNID][]types.EventNID, error) {
	return u.d.AuthChainsTable.BulkSelectAuthChains(ctx, u.txn, eventNIDs)
}

func (u *RoomUpdater) StateAtEventIDs(ctx context.Context, eventIDs []string) ([]types.StateAtEvent, error) {
	return u.d.EventsTable.BulkSelectStateAtEventByID(ctx, u.txn, eventIDs)
}

func (u *RoomUpdater) StateEntriesForEventIDs(ctx context.Context, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error) {
	return u.d.EventsTable.BulkSelectStateEventByID(ctx, u.txn, eventIDs, excludeRejected)
}

func (u *RoomUpdater) Events(ctx context.Context, roomVersion matrix.RoomVersion, eventNIDs []types.EventNID) ([]types.Event, error) {
	return u.d.Events(ctx, roomVersion, eventNIDs)
}

func (u *RoomUpdater) EventsFromIDs(ctx context.Context, roomInfo *types.RoomInfo, eventIDs []string) ([]types.Event, error) {
	return u.d.EventsFromIDs(ctx, roomInfo, eventIDs)
}

func (u *RoomUpdater) SetState(ctx context.Context, eventNID types.EventNID, stateNID types.StateFrameNID) error {
	return u.d.Writer.Do(u.d.DB, u.txn, func(txn *sql.Tx) error {
		return u.d.EventsTable.UpdateEventState(ctx, txn, eventNID, stateNID)
	})
}
