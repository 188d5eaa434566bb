// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

// The state of a room at an event is stored as a chain of frames, each one a
// diff against its parent. See the postgres variant for the full layout
// notes; here the entry lists are stored as JSON arrays of NID triples and
// pairs instead of postgres arrays.
const stateFramesSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_state_frames (
    state_frame_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    parent_frame_nid INTEGER NOT NULL DEFAULT 0,
    chain_depth INTEGER NOT NULL DEFAULT 1,
    appends TEXT NOT NULL DEFAULT '[]',
    removes TEXT NOT NULL DEFAULT '[]'
  );

	CREATE INDEX IF NOT EXISTS roomserver_state_frames_room_nid_idx
	  ON roomserver_state_frames (room_nid);
`

const insertStateFrameSQL = `
	INSERT INTO roomserver_state_frames (room_nid, parent_frame_nid, chain_depth, appends, removes)
	  VALUES ($1, $2, $3, $4, $5)
	  RETURNING state_frame_nid
`

const bulkSelectStateFramesSQL = `
	SELECT state_frame_nid, parent_frame_nid, appends, removes
	  FROM roomserver_state_frames WHERE state_frame_nid IN ($1)
	  ORDER BY state_frame_nid ASC
`

const selectFrameDepthSQL = `
	SELECT chain_depth FROM roomserver_state_frames WHERE state_frame_nid = $1
`

// frameEntryJSON is the storage form of one appended state entry.
type frameEntryJSON struct {
	TypeNID     int64 `json:"t"`
	StateKeyNID int64 `json:"k"`
	EventNID    int64 `json:"e"`
}

// frameTupleJSON is the storage form of one removed state key tuple.
type frameTupleJSON struct {
	TypeNID     int64 `json:"t"`
	StateKeyNID int64 `json:"k"`
}

type stateFrameStatements struct {
	db                   *sql.DB
	insertStateFrameStmt *sql.Stmt
	selectFrameDepthStmt *sql.Stmt
}

func CreateStateFramesTable(db *sql.DB) error {
	_, err := db.Exec(stateFramesSchema)
	return err
}

func PrepareStateFramesTable(db *sql.DB) (tables.StateFrames, error) {
	s := &stateFrameStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertStateFrameStmt, insertStateFrameSQL},
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

	appendsJSON := make([]frameEntryJSON, len(appends))
	for i, entry := range appends {
		appendsJSON[i] = frameEntryJSON{
			TypeNID:     int64(entry.EventTypeNID),
			StateKeyNID: int64(entry.EventStateKeyNID),
			EventNID:    int64(entry.EventNID),
		}
	}
	removesJSON := make([]frameTupleJSON, len(removes))
	for i, tuple := range removes {
		removesJSON[i] = frameTupleJSON{
			TypeNID:     int64(tuple.EventTypeNID),
			StateKeyNID: int64(tuple.EventStateKeyNID),
		}
	}
	appendsBlob, err := json.Marshal(appendsJSON)
	if err != nil {
		return 0, err
	}
	removesBlob, err := json.Marshal(removesJSON)
	if err != nil {
		return 0, err
	}

	var frameNID int64
	stmt := sqlutil.TxStmt(txn, s.insertStateFrameStmt)
	err = stmt.QueryRowContext(
		ctx, int64(roomNID), int64(parentFrameNID), depth,
		string(appendsBlob), string(removesBlob),
	).Scan(&frameNID)
	return types.StateFrameNID(frameNID), err
}

func (s *stateFrameStatements) BulkSelectStateFrames(
	ctx context.Context, txn *sql.Tx, frameNIDs []types.StateFrameNID,
) ([]types.StateFrame, error) {
	qry := strings.Replace(bulkSelectStateFramesSQL, "($1)", sqlutil.QueryVariadic(len(frameNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectStateFrames: stmt.close() failed")

	params := make([]interface{}, len(frameNIDs))
	for i := range frameNIDs {
		params[i] = frameNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateFrames: rows.close() failed")

	results := make([]types.StateFrame, 0, len(frameNIDs))
	for rows.Next() {
		var frameNID, parentNID int64
		var appendsBlob, removesBlob string
		if err = rows.Scan(&frameNID, &parentNID, &appendsBlob, &removesBlob); err != nil {
			return nil, err
		}
		var appendsJSON []frameEntryJSON
		var removesJSON []frameTupleJSON
		if err = json.Unmarshal([]byte(appendsBlob), &appendsJSON); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(removesBlob), &removesJSON); err != nil {
			return nil, err
		}
		frame := types.StateFrame{
			StateFrameNID:       types.StateFrameNID(frameNID),
			ParentStateFrameNID: types.StateFrameNID(parentNID),
			Appends:             make([]types.StateEntry, len(appendsJSON)),
			Removes:             make([]types.StateKeyTuple, len(removesJSON)),
		}
		for i, entry := range appendsJSON {
			frame.Appends[i] = types.StateEntry{
				StateKeyTuple: types.StateKeyTuple{
					EventTypeNID:     types.EventTypeNID(entry.TypeNID),
					EventStateKeyNID: types.EventStateKeyNID(entry.StateKeyNID),
				},
				EventNID: types.EventNID(entry.EventNID),
			}
		}
		for i, tuple := range removesJSON {
			frame.Removes[i] = types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(tuple.TypeNID),
				EventStateKeyNID: types.EventStateKeyNID(tuple.StateKeyNID),
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
