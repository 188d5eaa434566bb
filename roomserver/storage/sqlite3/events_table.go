// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

const eventsSchema = `
	CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    event_type_nid INTEGER NOT NULL,
    event_state_key_nid INTEGER NOT NULL,
    sent_to_output BOOLEAN NOT NULL DEFAULT 0,
    state_frame_nid INTEGER NOT NULL DEFAULT 0,
    depth INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    auth_event_nids TEXT NOT NULL DEFAULT '[]',
    is_rejected BOOLEAN NOT NULL DEFAULT 0,
    -- Whether the event passed its own auth events but failed against the
    -- current room state.
    soft_failed BOOLEAN NOT NULL DEFAULT 0,
    -- Why the event was rejected, empty if it was not.
    rejection_reason TEXT NOT NULL DEFAULT ''
  );

	CREATE INDEX IF NOT EXISTS roomserver_events_room_nid_idx
	  ON roomserver_events (room_nid);
`

// Same conflict strategy as the postgres table: the insert is idempotent on
// the event ID and only returns a row for a fresh insert or when clearing
// the rejected flag.
const insertEventSQL = `
	INSERT INTO roomserver_events (room_nid, event_type_nid, event_state_key_nid, event_id, auth_event_nids, depth, is_rejected, soft_failed, rejection_reason)
	  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	  ON CONFLICT (event_id) DO UPDATE
	  SET is_rejected = $7, soft_failed = $8, rejection_reason = $9 WHERE is_rejected = 1
	  RETURNING event_nid, state_frame_nid
`

const selectEventSQL = `
	SELECT event_nid, state_frame_nid FROM roomserver_events WHERE event_id = $1
`

// Bulk lookup of events by string ID.
// Sort by the numeric IDs for event type and state key.
// This means we can use binary search to lookup entries by type and state key.
const bulkSelectStateEventByIDSQL = `
	SELECT event_type_nid, event_state_key_nid, event_nid FROM roomserver_events
	  WHERE event_id IN ($1)
	  ORDER BY event_type_nid, event_state_key_nid ASC
`

const bulkSelectStateEventByIDExcludingRejectedSQL = `
	SELECT event_type_nid, event_state_key_nid, event_nid FROM roomserver_events
	  WHERE event_id IN ($1) AND is_rejected = 0
	  ORDER BY event_type_nid, event_state_key_nid ASC
`

const bulkSelectStateEventByNIDSQL = `
	SELECT event_type_nid, event_state_key_nid, event_nid FROM roomserver_events
	  WHERE event_nid IN ($1)
`

const bulkSelectStateAtEventByIDSQL = `
	SELECT event_type_nid, event_state_key_nid, event_nid, state_frame_nid, is_rejected FROM roomserver_events
	  WHERE event_id IN ($1)
`

const updateEventStateSQL = `
	UPDATE roomserver_events SET state_frame_nid = $1 WHERE event_nid = $2
`

const selectEventSentToOutputSQL = `
	SELECT sent_to_output FROM roomserver_events WHERE event_nid = $1
`

const updateEventSentToOutputSQL = `
	UPDATE roomserver_events SET sent_to_output = 1 WHERE event_nid = $1
`

const selectEventIDSQL = `
	SELECT event_id FROM roomserver_events WHERE event_nid = $1
`

const bulkSelectStateAtEventAndReferenceSQL = `
	SELECT event_type_nid, event_state_key_nid, event_nid, state_frame_nid, event_id
	  FROM roomserver_events WHERE event_nid IN ($1)
`

const bulkSelectEventIDSQL = `
	SELECT event_nid, event_id FROM roomserver_events WHERE event_nid IN ($1)
`

const bulkSelectEventNIDSQL = `
	SELECT event_id, event_nid, room_nid FROM roomserver_events WHERE event_id IN ($1)
`

const bulkSelectUnsentEventNIDSQL = `
	SELECT event_id, event_nid, room_nid FROM roomserver_events WHERE event_id IN ($1) AND sent_to_output = 0
`

const selectMaxEventDepthSQL = `
	SELECT COALESCE(MAX(depth) + 1, 0) FROM roomserver_events WHERE event_nid IN ($1)
`

const selectMaxEventNIDSQL = `
	SELECT COALESCE(MAX(event_nid), 0) FROM roomserver_events
`

const selectRoomNIDsForEventNIDsSQL = `
	SELECT event_nid, room_nid FROM roomserver_events WHERE event_nid IN ($1)
`

const selectEventRejectedSQL = `
	SELECT is_rejected FROM roomserver_events WHERE room_nid = $1 AND event_id = $2
`

const selectEventSoftFailedSQL = `
	SELECT soft_failed FROM roomserver_events WHERE room_nid = $1 AND event_id = $2
`

const markEventRejectedSQL = `
	UPDATE roomserver_events SET is_rejected = $1 WHERE event_nid = $2
`

const bulkSelectFramesFromEventIDsSQL = `
	SELECT event_id, state_frame_nid FROM roomserver_events WHERE event_id IN ($1)
`

type eventStatements struct {
	db                          *sql.DB
	insertEventStmt             *sql.Stmt
	selectEventStmt             *sql.Stmt
	updateEventStateStmt        *sql.Stmt
	selectEventSentToOutputStmt *sql.Stmt
	updateEventSentToOutputStmt *sql.Stmt
	selectEventIDStmt           *sql.Stmt
	selectEventRejectedStmt     *sql.Stmt
	selectEventSoftFailedStmt   *sql.Stmt
	markEventRejectedStmt       *sql.Stmt
	selectMaxEventNIDStmt       *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.updateEventStateStmt, updateEventStateSQL},
		{&s.selectEventSentToOutputStmt, selectEventSentToOutputSQL},
		{&s.updateEventSentToOutputStmt, updateEventSentToOutputSQL},
		{&s.selectEventIDStmt, selectEventIDSQL},
		{&s.selectEventRejectedStmt, selectEventRejectedSQL},
		{&s.selectEventSoftFailedStmt, selectEventSoftFailedSQL},
		{&s.markEventRejectedStmt, markEventRejectedSQL},
		{&s.selectMaxEventNIDStmt, selectMaxEventNIDSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context,
	txn *sql.Tx,
	roomNID types.RoomNID,
	eventTypeNID types.EventTypeNID,
	eventStateKeyNID types.EventStateKeyNID,
	eventID string,
	authEventNIDs []types.EventNID,
	depth int64,
	isRejected, softFailed bool,
	rejectionReason string,
) (types.EventNID, types.StateFrameNID, bool, error) {
	// attempt to insert a new event
	var eventNID int64
	var stateFrameNID int64
	authNIDsJSON, err := json.Marshal(authEventNIDs)
	if err != nil {
		return 0, 0, false, err
	}
	insertStmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	err = insertStmt.QueryRowContext(
		ctx, int64(roomNID), int64(eventTypeNID), int64(eventStateKeyNID),
		eventID, string(authNIDsJSON), depth, isRejected, softFailed, rejectionReason,
	).Scan(&eventNID, &stateFrameNID)
	if err == sql.ErrNoRows {
		eNID, fNID, serr := s.SelectEvent(ctx, txn, eventID)
		return eNID, fNID, false, serr
	}
	if err != nil {
		return 0, 0, false, err
	}
	return types.EventNID(eventNID), types.StateFrameNID(stateFrameNID), true, nil
}

func (s *eventStatements) SelectEvent(
	ctx context.Context, txn *sql.Tx, eventID string,
) (types.EventNID, types.StateFrameNID, error) {
	var eventNID int64
	var stateFrameNID int64
	selectStmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	err := selectStmt.QueryRowContext(ctx, eventID).Scan(&eventNID, &stateFrameNID)
	return types.EventNID(eventNID), types.StateFrameNID(stateFrameNID), err
}

func (s *eventStatements) BulkSelectSnapshotsFromEventIDs(
	ctx context.Context, txn *sql.Tx, eventIDs []string,
) (map[types.StateFrameNID][]string, error) {
	qry := strings.Replace(bulkSelectFramesFromEventIDsSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "BulkSelectSnapshotsFromEventIDs: stmt.close() failed")

	params := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		params[i] = eventIDs[i]
	}

	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectSnapshotsFromEventIDs: rows.close() failed")

	var eventID string
	var stateFrameNID types.StateFrameNID
	result := make(map[types.StateFrameNID][]string)
	for rows.Next() {
		if err = rows.Scan(&eventID, &stateFrameNID); err != nil {
			return nil, err
		}
		result[stateFrameNID] = append(result[stateFrameNID], eventID)
	}
	return result, rows.Err()
}

// bulkSelectStateEventByID lookups a list of state events by event ID.
// If any of the requested events are missing from the database it returns a types.MissingEventError
func (s *eventStatements) BulkSelectStateEventByID(
	ctx context.Context, txn *sql.Tx, eventIDs []string, excludeRejected bool,
) ([]types.StateEntry, error) {
	origSQL := bulkSelectStateEventByIDSQL
	if excludeRejected {
		origSQL = bulkSelectStateEventByIDExcludingRejectedSQL
	}
	qry := strings.Replace(origSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectStateEventByID: stmt.close() failed")

	params := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		params[i] = eventIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateEventByID: rows.close() failed")

	results := make([]types.StateEntry, len(eventIDs))
	i := 0
	for ; rows.Next(); i++ {
		result := &results[i]
		if err = rows.Scan(
			&result.EventTypeNID,
			&result.EventStateKeyNID,
			&result.EventNID,
		); err != nil {
			return nil, err
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	results = results[:i]
	if !excludeRejected && i != len(eventIDs) {
		// If there are fewer rows returned than IDs then we were asked to lookup event IDs we don't have.
		// We don't know which ones were missing because we don't return the string IDs in the query.
		// However it should be possible debug this by replaying queries or entries from the input kafka logs.
		// If this turns out to be impossible and we do need the debug information here, it would be better
		// to do it as a separate query rather than slowing down/complicating the internal case.
		return nil, types.MissingEventError(
			fmt.Sprintf("storage: state event IDs missing from the database (%d != %d)", i, len(eventIDs)),
		)
	}
	return results, nil
}

func (s *eventStatements) BulkSelectStateEventByNID(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
	stateKeyTuples []types.StateKeyTuple,
) ([]types.StateEntry, error) {
	tuples := types.StateKeyTupleSorter(stateKeyTuples)
	qry := strings.Replace(bulkSelectStateEventByNIDSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectStateEventByNID: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = eventNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateEventByNID: rows.close() failed")

	results := make([]types.StateEntry, 0, len(eventNIDs))
	for rows.Next() {
		var result types.StateEntry
		if err = rows.Scan(
			&result.EventTypeNID,
			&result.EventStateKeyNID,
			&result.EventNID,
		); err != nil {
			return nil, err
		}
		if len(tuples) > 0 && !tuples.Contains(result.StateKeyTuple) {
			continue
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// bulkSelectStateAtEventByID lookups the state at a list of events by event ID.
// If any of the requested events are missing from the database it returns a types.MissingEventError.
// If we do not have the state for any of the requested events it returns a types.MissingStateError.
func (s *eventStatements) BulkSelectStateAtEventByID(
	ctx context.Context, txn *sql.Tx, eventIDs []string,
) ([]types.StateAtEvent, error) {
	qry := strings.Replace(bulkSelectStateAtEventByIDSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectStateAtEventByID: stmt.close() failed")

	params := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		params[i] = eventIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateAtEventByID: rows.close() failed")

	results := make([]types.StateAtEvent, len(eventIDs))
	i := 0
	for ; rows.Next(); i++ {
		result := &results[i]
		if err = rows.Scan(
			&result.EventTypeNID,
			&result.EventStateKeyNID,
			&result.EventNID,
			&result.BeforeStateFrameNID,
			&result.IsRejected,
		); err != nil {
			return nil, err
		}
		isCreate := result.EventTypeNID == types.MRoomCreateNID && result.EventStateKeyNID == types.EmptyStateKeyNID
		if result.BeforeStateFrameNID == 0 && !isCreate {
			return nil, types.MissingStateError(
				fmt.Sprintf("storage: missing state for event NID %d", result.EventNID),
			)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if i != len(eventIDs) {
		return nil, types.MissingEventError(
			fmt.Sprintf("storage: event IDs missing from the database (%d != %d)", i, len(eventIDs)),
		)
	}
	return results, nil
}

func (s *eventStatements) UpdateEventState(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID, stateFrameNID types.StateFrameNID,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventStateStmt)
	_, err := stmt.ExecContext(ctx, int64(stateFrameNID), int64(eventNID))
	return err
}

func (s *eventStatements) SelectEventSentToOutput(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID,
) (sentToOutput bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventSentToOutputStmt)
	err = stmt.QueryRowContext(ctx, int64(eventNID)).Scan(&sentToOutput)
	return
}

func (s *eventStatements) UpdateEventSentToOutput(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateEventSentToOutputStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID))
	return err
}

func (s *eventStatements) SelectEventID(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID,
) (eventID string, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventIDStmt)
	err = stmt.QueryRowContext(ctx, int64(eventNID)).Scan(&eventID)
	return
}

func (s *eventStatements) BulkSelectStateAtEventAndReference(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) ([]types.StateAtEventAndReference, error) {
	qry := strings.Replace(bulkSelectStateAtEventAndReferenceSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectStateAtEventAndReference: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = eventNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectStateAtEventAndReference: rows.close() failed")

	results := make([]types.StateAtEventAndReference, len(eventNIDs))
	i := 0
	var (
		eventTypeNID     int64
		eventStateKeyNID int64
		eventNID         int64
		stateFrameNID    int64
		eventID          string
	)
	for ; rows.Next(); i++ {
		if err = rows.Scan(
			&eventTypeNID, &eventStateKeyNID, &eventNID, &stateFrameNID, &eventID,
		); err != nil {
			return nil, err
		}
		result := &results[i]
		result.EventTypeNID = types.EventTypeNID(eventTypeNID)
		result.EventStateKeyNID = types.EventStateKeyNID(eventStateKeyNID)
		result.EventNID = types.EventNID(eventNID)
		result.BeforeStateFrameNID = types.StateFrameNID(stateFrameNID)
		result.EventID = eventID
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if i != len(eventNIDs) {
		return nil, fmt.Errorf("storage: event NIDs missing from the database (%d != %d)", i, len(eventNIDs))
	}
	return results, nil
}

func (s *eventStatements) BulkSelectEventID(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]string, error) {
	qry := strings.Replace(bulkSelectEventIDSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectEventID: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = eventNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectEventID: rows.close() failed")

	results := make(map[types.EventNID]string, len(eventNIDs))
	i := 0
	var eventNID int64
	var eventID string
	for ; rows.Next(); i++ {
		if err = rows.Scan(&eventNID, &eventID); err != nil {
			return nil, err
		}
		results[types.EventNID(eventNID)] = eventID
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if i != len(eventNIDs) {
		return nil, fmt.Errorf("storage: event NIDs missing from the database (%d != %d)", i, len(eventNIDs))
	}
	return results, nil
}

// BulkSelectEventNID returns a map from string event ID to numeric event ID.
// If an event ID is not in the database then it is omitted from the map.
func (s *eventStatements) BulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error) {
	return s.bulkSelectEventNID(ctx, txn, eventIDs, false)
}

// BulkSelectUnsentEventNID returns a map from string event ID to numeric
// event ID only for events that have not yet been sent to the output log.
func (s *eventStatements) BulkSelectUnsentEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventMetadata, error) {
	return s.bulkSelectEventNID(ctx, txn, eventIDs, true)
}

func (s *eventStatements) bulkSelectEventNID(ctx context.Context, txn *sql.Tx, eventIDs []string, onlyUnsent bool) (map[string]types.EventMetadata, error) {
	origSQL := bulkSelectEventNIDSQL
	if onlyUnsent {
		origSQL = bulkSelectUnsentEventNIDSQL
	}
	qry := strings.Replace(origSQL, "($1)", sqlutil.QueryVariadic(len(eventIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectEventNID: stmt.close() failed")

	params := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		params[i] = eventIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectEventNID: rows.close() failed")

	results := make(map[string]types.EventMetadata, len(eventIDs))
	var eventID string
	var eventNID int64
	var roomNID int64
	for rows.Next() {
		if err = rows.Scan(&eventID, &eventNID, &roomNID); err != nil {
			return nil, err
		}
		results[eventID] = types.EventMetadata{
			EventNID: types.EventNID(eventNID),
			RoomNID:  types.RoomNID(roomNID),
		}
	}
	return results, rows.Err()
}

func (s *eventStatements) SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error) {
	var result int64
	qry := strings.Replace(selectMaxEventDepthSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return 0, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "selectMaxEventDepth: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = eventNIDs[i]
	}
	err = stmt.QueryRowContext(ctx, params...).Scan(&result)
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *eventStatements) SelectMaxEventNID(ctx context.Context, txn *sql.Tx) (types.EventNID, error) {
	var result int64
	stmt := sqlutil.TxStmt(txn, s.selectMaxEventNIDStmt)
	err := stmt.QueryRowContext(ctx).Scan(&result)
	return types.EventNID(result), err
}

func (s *eventStatements) SelectRoomNIDsForEventNIDs(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) (map[types.EventNID]types.RoomNID, error) {
	qry := strings.Replace(selectRoomNIDsForEventNIDsSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "selectRoomNIDsForEventNIDs: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = eventNIDs[i]
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectRoomNIDsForEventNIDs: rows.close() failed")

	result := make(map[types.EventNID]types.RoomNID)
	var eventNID types.EventNID
	var roomNID types.RoomNID
	for rows.Next() {
		if err = rows.Scan(&eventNID, &roomNID); err != nil {
			return nil, err
		}
		result[eventNID] = roomNID
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectEventRejected(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) (rejected bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventRejectedStmt)
	err = stmt.QueryRowContext(ctx, roomNID, eventID).Scan(&rejected)
	return
}

func (s *eventStatements) SelectEventSoftFailed(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string,
) (softFailed bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventSoftFailedStmt)
	err = stmt.QueryRowContext(ctx, roomNID, eventID).Scan(&softFailed)
	return
}

func (s *eventStatements) MarkEventRejected(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID, rejected bool,
) error {
	stmt := sqlutil.TxStmt(txn, s.markEventRejectedStmt)
	_, err := stmt.ExecContext(ctx, rejected, int64(eventNID))
	return err
}
