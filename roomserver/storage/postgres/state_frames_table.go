// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"sort"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/lib/pq"
)

const stateFramesSchema = `
-- The state of a room at an event is stored as a chain of frames. Each frame
-- is a diff against its parent frame: the entries appended and the state key
-- tuples removed. A frame with parent_frame_nid of 0 is a root frame and its
-- append columns hold the complete state. Loading the state at a frame walks
-- the chain from the root and applies each diff in turn, so chains are kept
-- short by the merge heuristic in the state package and the hard depth cap.
--
-- The entry lists are stored as parallel arrays of NIDs sorted by
-- (event_type_nid, event_state_key_nid), which keeps the rows compact and
-- lets the reader reassemble entries positionally.
CREATE SEQUENCE IF NOT EXISTS roomserver_state_frame_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_state_frames (
    -- Local numeric ID for the state frame.
    state_frame_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_state_frame_nid_seq'),
    room_nid BIGINT NOT NULL,
    -- The frame this one is a diff against, or 0 for a root frame.
    parent_frame_nid BIGINT NOT NULL DEFAULT 0,
    -- Number of frames in the chain including this one. A root frame is 1.
    chain_depth INTEGER NOT NULL DEFAULT 1,
    appends_type_nids BIGINT[] NOT NULL,
    appends_state_key_nids BIGINT[] NOT NULL,
    appends_event_nids BIGINT[] NOT NULL,
    removes_type_nids BIGINT[] NOT NULL,
    removes_state_key_nids BIGINT[] NOT NULL
);

CREATE INDEX IF NOT EXISTS roomserver_state_frames_room_nid_idx
    ON roomserver_state_frames (room_nid);
`

const insertStateFrameSQL = "" +
	"INSERT INTO roomserver_state_frames (room_nid, parent_frame_nid, chain_depth," +
	" appends_type_nids, appends_state_key_nids, appends_event_nids," +
	" removes_type_nids, removes_state_key_nids)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" RETURNING state_frame_nid"

const bulkSelectStateFramesSQL = "" +
	"SELECT state_frame_nid, parent_frame_nid," +
	" appends_type_nids, appends_state_key_nids, appends_event_nids," +
	" removes_type_nids, removes_state_key_nids" +
	" FROM roomserver_state_frames WHERE state_frame_nid = ANY($1)" +
	" ORDER BY state_frame_nid ASC"

const selectFrameDepthSQL = "" +
	"SELECT chain_depth FROM roomserver_state_frames WHERE state_frame_nid = $1"

type stateFrameStatements struct {
	insertStateFrameStmt     *sql.Stmt
	bulkSelectStateFramesStmt *sql.Stmt
	selectFrameDepthStmt     *sql.Stmt
}

func CreateStateFramesTable(db *sql.DB) error {
	_, err := db.Exec(stateFramesSchema)
	return err
}

func PrepareStateFramesTable(db *sql.DB) (tables.StateFrames, error) {
	s := &stateFrameStatements{}

	return s, sqlutil.StatementList{
		{&s.insertStateFrameStmt, insertStateFrameSQL},
		{&s.bulkSelectStateFramesStmt, bulkSelectStateFramesSQL},
		{&s.selectFrameDepthStmt, selectFrameDepthSQL},
	}.Prepare(db)
}

func (s *stateFrameStatements) InsertState(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
	parentFrameNID types.StateFrameNID, depth int,
	appends []types.StateEntry, removes []types.StateKeyTuple,
) (types.StateFrameNID, error) {
	appends = types.DeduplicateStateEntries(appends)
	sort.Sort(types.StateKeyTupleSorter(removes))

	appendTypeNIDs := make(pq.Int64Array, len(appends))
	appendStateKeyNIDs := make(pq.Int64Array, len(appends))
	appendEventNIDs := make(pq.Int64Array, len(appends))
	for i, entry := range appends {
		appendTypeNIDs[i] = int64(entry.EventTypeNID)
		appendStateKeyNIDs[i] = int64(entry.EventStateKeyNID)
		appendEventNIDs[i] = int64(entry.EventNID)
	}
	removeTypeNIDs := make(pq.Int64Array, len(removes))
	removeStateKeyNIDs := make(pq.Int64Array, len(removes))
	for i, tuple := range removes {
		removeTypeNIDs[i] = int64(tuple.EventTypeNID)
		removeStateKeyNIDs[i] = int64(tuple.EventStateKeyNID)
	}

	var frameNID int64
	stmt := sqlutil.TxStmt(txn, s.insertStateFrameStmt)
	err := stmt.QueryRowContext(
		ctx, int64(roomNID), int64(parentFrameNID), depth,
		appendTypeNIDs, appendStateKeyNIDs, appendEventNIDs,
		removeTypeNIDs, removeStateKeyNIDs,
	).Scan(&frameNID)
	return types.StateFrameNID(frameNID), err
}

func (s *stateFrameStatements) BulkSelectStateFrames(
	ctx context.Context, txn *sql.Tx, frameNIDs []types.StateFrameNID,
) ([]types.StateFrame, error) {
	nids := make(pq.Int64Array, len(frameNIDs))
	for i := range frameNIDs {
		nids[i] = int64(frameNIDs[i])
	}
	stmt := sqlutil.TxStmt(txn, s.bulkSelectStateFramesStmt)
	rows, err := stmt.QueryContext(ctx, nids)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateFrames: rows.close() failed")

	results := make([]types.StateFrame, 0, len(frameNIDs))
	for rows.Next() {
		var frameNID, parentNID int64
		var appendTypeNIDs, appendStateKeyNIDs, appendEventNIDs pq.Int64Array
		var removeTypeNIDs, removeStateKeyNIDs pq.Int64Array
		if err = rows.Scan(
			&frameNID, &parentNID,
			&appendTypeNIDs, &appendStateKeyNIDs, &appendEventNIDs,
			&removeTypeNIDs, &removeStateKeyNIDs,
		); err != nil {
			return nil, err
		}
		frame := types.StateFrame{
			StateFrameNID:       types.StateFrameNID(frameNID),
			ParentStateFrameNID: types.StateFrameNID(parentNID),
			Appends:             make([]types.StateEntry, len(appendEventNIDs)),
			Removes:             make([]types.StateKeyTuple, len(removeTypeNIDs)),
		}
		for i := range appendEventNIDs {
			frame.Appends[i] = types.StateEntry{
				StateKeyTuple: types.StateKeyTuple{
					EventTypeNID:     types.EventTypeNID(appendTypeNIDs[i]),
					EventStateKeyNID: types.EventStateKeyNID(appendStateKeyNIDs[i]),
				},
				EventNID: types.EventNID(appendEventNIDs[i]),
			}
		}
		for i := range removeTypeNIDs {
			frame.Removes[i] = types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(removeTypeNIDs[i]),
				EventStateKeyNID: types.EventStateKeyNID(removeStateKeyNIDs[i]),
			}
		}
		results = append(results, frame)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(results) != len(types.UniqueStateFrameNIDs(frameNIDs)) {
		return nil, types.ErrFrameNotFound
	}
	// Return the frames in the order the caller asked for them.
	lookup := make(map[types.StateFrameNID]types.StateFrame, len(results))
	for _, frame := range results {
		lookup[frame.StateFrameNID] = frame
	}
	ordered := make([]types.StateFrame, len(frameNIDs))
	for i, nid := range frameNIDs {
		ordered[i] = lookup[nid]
	}
	return ordered, nil
}

func (s *stateFrameStatements) SelectFrameDepth(
	ctx context.Context, txn *sql.Tx, frameNID types.StateFrameNID,
) (int, error) {
	var depth int
	stmt := sqlutil.TxStmt(txn, s.selectFrameDepthStmt)
	err := stmt.QueryRowContext(ctx, int64(frameNID)).Scan(&depth)
	return depth, err
}
