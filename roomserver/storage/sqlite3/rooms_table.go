// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

const roomsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL UNIQUE,
    latest_event_nids TEXT NOT NULL DEFAULT '[]',
    last_event_sent_nid INTEGER NOT NULL DEFAULT 0,
    state_frame_nid INTEGER NOT NULL DEFAULT 0,
    room_version TEXT NOT NULL
  );
`

// Same conflict strategy as the interning tables: a raced insert returns no
// row and the caller falls back to SelectRoomNID.
const insertRoomNIDSQL = `
	INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)
	  ON CONFLICT DO NOTHING
	  RETURNING room_nid
`

const selectRoomNIDSQL = `
	SELECT room_nid FROM roomserver_rooms WHERE room_id = $1
`

const selectRoomInfoSQL = `
	SELECT room_version, room_nid, state_frame_nid, latest_event_nids, last_event_sent_nid FROM roomserver_rooms WHERE room_id = $1
`

const selectLatestEventNIDsSQL = `
	SELECT latest_event_nids, state_frame_nid FROM roomserver_rooms WHERE room_nid = $1
`

// The sqlite writer serializes all writes, so there is no need for a
// SELECT FOR UPDATE here; the plain select runs inside the exclusive
// transaction.
const selectLatestEventNIDsForUpdateSQL = `
	SELECT latest_event_nids, last_event_sent_nid, state_frame_nid FROM roomserver_rooms WHERE room_nid = $1
`

const updateLatestEventNIDsSQL = `
	UPDATE roomserver_rooms SET latest_event_nids = $1, last_event_sent_nid = $2, state_frame_nid = $3 WHERE room_nid = $4
`

const selectRoomVersionsForRoomNIDsSQL = `
	SELECT room_nid, room_version FROM roomserver_rooms WHERE room_nid IN ($1)
`

const selectRoomIDsWithEventsSQL = `
	SELECT room_id FROM roomserver_rooms WHERE latest_event_nids != '[]'
`

const bulkSelectRoomIDsSQL = `
	SELECT room_id FROM roomserver_rooms WHERE room_nid IN ($1)
`

const bulkSelectRoomNIDsSQL = `
	SELECT room_nid FROM roomserver_rooms WHERE room_id IN ($1)
`

type roomStatements struct {
	db                                 *sql.DB
	insertRoomNIDStmt                  *sql.Stmt
	selectRoomNIDStmt                  *sql.Stmt
	selectRoomInfoStmt                 *sql.Stmt
	selectLatestEventNIDsStmt          *sql.Stmt
	selectLatestEventNIDsForUpdateStmt *sql.Stmt
	updateLatestEventNIDsStmt          *sql.Stmt
	selectRoomIDsWithEventsStmt        *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertRoomNIDStmt, insertRoomNIDSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.selectLatestEventNIDsStmt, selectLatestEventNIDsSQL},
		{&s.selectLatestEventNIDsForUpdateStmt, selectLatestEventNIDsForUpdateSQL},
		{&s.updateLatestEventNIDsStmt, updateLatestEventNIDsSQL},
		{&s.selectRoomIDsWithEventsStmt, selectRoomIDsWithEventsSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoomNID(
	ctx context.Context, txn *sql.Tx,
	roomID string, roomVersion matrix.RoomVersion,
) (types.RoomNID, error) {
	var roomNID int64
	stmt := sqlutil.TxStmt(txn, s.insertRoomNIDStmt)
	err := stmt.QueryRowContext(ctx, roomID, roomVersion).Scan(&roomNID)
	if err == sql.ErrNoRows {
		return s.SelectRoomNID(ctx, txn, roomID)
	}
	return types.RoomNID(roomNID), err
}

func (s *roomStatements) SelectRoomNID(
	ctx context.Context, txn *sql.Tx, roomID string,
) (types.RoomNID, error) {
	var roomNID int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomNIDStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&roomNID)
	return types.RoomNID(roomNID), err
}

func (s *roomStatements) SelectRoomInfo(
	ctx context.Context, txn *sql.Tx, roomID string,
) (*types.RoomInfo, error) {
	var (
		roomVersion      matrix.RoomVersion
		roomNID          types.RoomNID
		stateFrameNID    types.StateFrameNID
		latestNIDsJSON   string
		lastEventSentNID types.EventNID
	)
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(
		&roomVersion, &roomNID, &stateFrameNID, &latestNIDsJSON, &lastEventSentNID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var latestNIDs []int64
	if err = json.Unmarshal([]byte(latestNIDsJSON), &latestNIDs); err != nil {
		return nil, err
	}
	rInfo := &types.RoomInfo{
		RoomVersion: roomVersion,
		RoomNID:     roomNID,
	}
	rInfo.SetStateFrameNID(stateFrameNID)
	rInfo.SetIsStub(len(latestNIDs) == 0)
	rInfo.SetLastEventSentNID(lastEventSentNID)
	return rInfo, nil
}

func (s *roomStatements) SelectLatestEventNIDs(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) ([]types.EventNID, types.StateFrameNID, error) {
	var eventNIDs []types.EventNID
	var nidsJSON string
	var stateFrameNID int64
	stmt := sqlutil.TxStmt(txn, s.selectLatestEventNIDsStmt)
	err := stmt.QueryRowContext(ctx, int64(roomNID)).Scan(&nidsJSON, &stateFrameNID)
	if err != nil {
		return nil, 0, err
	}
	if err = json.Unmarshal([]byte(nidsJSON), &eventNIDs); err != nil {
		return nil, 0, err
	}
	return eventNIDs, types.StateFrameNID(stateFrameNID), nil
}

func (s *roomStatements) SelectLatestEventsNIDsForUpdate(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) ([]types.EventNID, types.EventNID, types.StateFrameNID, error) {
	var eventNIDs []types.EventNID
	var nidsJSON string
	var lastEventSentNID int64
	var stateFrameNID int64
	stmt := sqlutil.TxStmt(txn, s.selectLatestEventNIDsForUpdateStmt)
	err := stmt.QueryRowContext(ctx, int64(roomNID)).Scan(&nidsJSON, &lastEventSentNID, &stateFrameNID)
	if err != nil {
		return nil, 0, 0, err
	}
	if err = json.Unmarshal([]byte(nidsJSON), &eventNIDs); err != nil {
		return nil, 0, 0, err
	}
	return eventNIDs, types.EventNID(lastEventSentNID), types.StateFrameNID(stateFrameNID), nil
}

func (s *roomStatements) UpdateLatestEventNIDs(
	ctx context.Context,
	txn *sql.Tx,
	roomNID types.RoomNID,
	eventNIDs []types.EventNID,
	lastEventSentNID types.EventNID,
	stateFrameNID types.StateFrameNID,
) error {
	eventNIDsJSON, err := json.Marshal(eventNIDs)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updateLatestEventNIDsStmt)
	_, err = stmt.ExecContext(
		ctx,
		string(eventNIDsJSON),
		int64(lastEventSentNID),
		int64(stateFrameNID),
		roomNID,
	)
	return err
}

func (s *roomStatements) SelectRoomVersionsForRoomNIDs(
	ctx context.Context, txn *sql.Tx, roomNIDs []types.RoomNID,
) (map[types.RoomNID]matrix.RoomVersion, error) {
	qry := strings.Replace(selectRoomVersionsForRoomNIDsSQL, "($1)", sqlutil.QueryVariadic(len(roomNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "selectRoomVersionsForRoomNIDs: stmt.close() failed")

	params := make([]interface{}, len(roomNIDs))
	for i := range roomNIDs {
		params[i] = roomNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectRoomVersionsForRoomNIDs: rows.close() failed")

	result := make(map[types.RoomNID]matrix.RoomVersion)
	var roomNID types.RoomNID
	var roomVersion matrix.RoomVersion
	for rows.Next() {
		if err = rows.Scan(&roomNID, &roomVersion); err != nil {
			return nil, err
		}
		result[roomNID] = roomVersion
	}
	return result, rows.Err()
}

func (s *roomStatements) SelectRoomIDsWithEvents(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomIDsWithEventsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectRoomIDsWithEvents: rows.close() failed")

	var roomIDs []string
	var roomID string
	for rows.Next() {
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *roomStatements) BulkSelectRoomIDs(ctx context.Context, txn *sql.Tx, roomNIDs []types.RoomNID) ([]string, error) {
	qry := strings.Replace(bulkSelectRoomIDsSQL, "($1)", sqlutil.QueryVariadic(len(roomNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectRoomIDs: stmt.close() failed")

	params := make([]interface{}, len(roomNIDs))
	for i := range roomNIDs {
		params[i] = roomNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectRoomIDs: rows.close() failed")

	var roomIDs []string
	var roomID string
	for rows.Next() {
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *roomStatements) BulkSelectRoomNIDs(ctx context.Context, txn *sql.Tx, roomIDs []string) ([]types.RoomNID, error) {
	qry := strings.Replace(bulkSelectRoomNIDsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectRoomNIDs: stmt.close() failed")

	params := make([]interface{}, len(roomIDs))
	for i := range roomIDs {
		params[i] = roomIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectRoomNIDs: rows.close() failed")

	var roomNIDs []types.RoomNID
	var roomNID types.RoomNID
	for rows.Next() {
		if err = rows.Scan(&roomNID); err != nil {
			return nil, err
		}
		roomNIDs = append(roomNIDs, roomNID)
	}
	return roomNIDs, rows.Err()
}
