// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

const membershipSchema = `
	CREATE TABLE IF NOT EXISTS roomserver_membership (
		room_nid INTEGER NOT NULL,
		target_nid INTEGER NOT NULL,
		sender_nid INTEGER NOT NULL DEFAULT 0,
		membership_nid INTEGER NOT NULL DEFAULT 1,
		event_nid INTEGER NOT NULL DEFAULT 0,
		target_local BOOLEAN NOT NULL DEFAULT false,
		forgotten BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (room_nid, target_nid)
	);
`

const insertMembershipSQL = `
	INSERT INTO roomserver_membership (room_nid, target_nid, target_local)
	  VALUES ($1, $2, $3)
	  ON CONFLICT DO NOTHING
`

const selectMembershipFromRoomAndTargetSQL = `
	SELECT membership_nid, event_nid, forgotten FROM roomserver_membership
	  WHERE room_nid = $1 AND target_nid = $2
`

const selectMembershipsFromRoomAndMembershipSQL = `
	SELECT event_nid FROM roomserver_membership
	  WHERE room_nid = $1 AND membership_nid = $2 AND forgotten = false
`

const selectLocalMembershipsFromRoomAndMembershipSQL = `
	SELECT event_nid FROM roomserver_membership
	  WHERE room_nid = $1 AND membership_nid = $2
	  AND target_local = true AND forgotten = false
`

const selectMembershipsFromRoomSQL = `
	SELECT event_nid FROM roomserver_membership
	  WHERE room_nid = $1 AND event_nid != 0 AND forgotten = false
`

const selectLocalMembershipsFromRoomSQL = `
	SELECT event_nid FROM roomserver_membership
	  WHERE room_nid = $1 AND event_nid != 0
	  AND target_local = true AND forgotten = false
`

// The sqlite writer serializes writes, so the "for update" variant is the
// same query as the plain select.
const selectMembershipForUpdateSQL = `
	SELECT membership_nid FROM roomserver_membership
	  WHERE room_nid = $1 AND target_nid = $2
`

const updateMembershipSQL = `
	UPDATE roomserver_membership SET sender_nid = $1, membership_nid = $2, event_nid = $3, forgotten = $4
	  WHERE room_nid = $5 AND target_nid = $6
`

const selectJoinedUsersSetForRoomsAndUserSQL = `
	SELECT target_nid, COUNT(room_nid) FROM roomserver_membership
	  WHERE (target_local OR $1 = false)
	  AND room_nid IN ($2) AND target_nid IN ($3)
	  AND membership_nid = ` + membershipJoinNIDString + `
	  AND forgotten = false
	  GROUP BY target_nid
`

const selectJoinedUsersSetForRoomsSQL = `
	SELECT target_nid, COUNT(room_nid) FROM roomserver_membership
	  WHERE (target_local OR $1 = false)
	  AND room_nid IN ($2)
	  AND membership_nid = ` + membershipJoinNIDString + `
	  AND forgotten = false
	  GROUP BY target_nid
`

const selectLocalServerInRoomSQL = `
	SELECT room_nid FROM roomserver_membership
	  WHERE target_local = true AND membership_nid = $1 AND room_nid = $2 LIMIT 1
`

const selectServerInRoomSQL = `
	SELECT room_nid FROM roomserver_membership
	  JOIN roomserver_event_state_keys
	  ON roomserver_membership.target_nid = roomserver_event_state_keys.event_state_key_nid
	  WHERE membership_nid = $1 AND room_nid = $2 AND event_state_key LIKE '%:' || $3 LIMIT 1
`

const membershipJoinNIDString = "3"

type membershipStatements struct {
	db                                              *sql.DB
	insertMembershipStmt                            *sql.Stmt
	selectMembershipForUpdateStmt                   *sql.Stmt
	selectMembershipFromRoomAndTargetStmt           *sql.Stmt
	selectMembershipsFromRoomAndMembershipStmt      *sql.Stmt
	selectLocalMembershipsFromRoomAndMembershipStmt *sql.Stmt
	selectMembershipsFromRoomStmt                   *sql.Stmt
	selectLocalMembershipsFromRoomStmt              *sql.Stmt
	updateMembershipStmt                            *sql.Stmt
	selectLocalServerInRoomStmt                     *sql.Stmt
	selectServerInRoomStmt                          *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Membership, error) {
	s := &membershipStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertMembershipStmt, insertMembershipSQL},
		{&s.selectMembershipForUpdateStmt, selectMembershipForUpdateSQL},
		{&s.selectMembershipFromRoomAndTargetStmt, selectMembershipFromRoomAndTargetSQL},
		{&s.selectMembershipsFromRoomAndMembershipStmt, selectMembershipsFromRoomAndMembershipSQL},
		{&s.selectLocalMembershipsFromRoomAndMembershipStmt, selectLocalMembershipsFromRoomAndMembershipSQL},
		{&s.selectMembershipsFromRoomStmt, selectMembershipsFromRoomSQL},
		{&s.selectLocalMembershipsFromRoomStmt, selectLocalMembershipsFromRoomSQL},
		{&s.updateMembershipStmt, updateMembershipSQL},
		{&s.selectLocalServerInRoomStmt, selectLocalServerInRoomSQL},
		{&s.selectServerInRoomStmt, selectServerInRoomSQL},
	}.Prepare(db)
}

func (s *membershipStatements) InsertMembership(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, targetUserNID types.EventStateKeyNID,
	localTarget bool,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertMembershipStmt)
	_, err := stmt.ExecContext(ctx, roomNID, targetUserNID, localTarget)
	return err
}

func (s *membershipStatements) SelectMembershipForUpdate(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, targetUserNID types.EventStateKeyNID,
) (membership tables.MembershipState, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipForUpdateStmt)
	err = stmt.QueryRowContext(ctx, roomNID, targetUserNID).Scan(&membership)
	return
}

func (s *membershipStatements) SelectMembershipFromRoomAndTarget(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, targetUserNID types.EventStateKeyNID,
) (eventNID types.EventNID, membership tables.MembershipState, forgotten bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipFromRoomAndTargetStmt)
	err = stmt.QueryRowContext(ctx, roomNID, targetUserNID).Scan(&membership, &eventNID, &forgotten)
	return
}

func (s *membershipStatements) SelectMembershipsFromRoom(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, localOnly bool,
) (eventNIDs []types.EventNID, err error) {
	var stmt *sql.Stmt
	if localOnly {
		stmt = sqlutil.TxStmt(txn, s.selectLocalMembershipsFromRoomStmt)
	} else {
		stmt = sqlutil.TxStmt(txn, s.selectMembershipsFromRoomStmt)
	}
	rows, err := stmt.QueryContext(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectMembershipsFromRoom: rows.close() failed")

	var eNID types.EventNID
	for rows.Next() {
		if err = rows.Scan(&eNID); err != nil {
			return
		}
		eventNIDs = append(eventNIDs, eNID)
	}
	return eventNIDs, rows.Err()
}

func (s *membershipStatements) SelectMembershipsFromRoomAndMembership(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, membership tables.MembershipState, localOnly bool,
) (eventNIDs []types.EventNID, err error) {
	var stmt *sql.Stmt
	if localOnly {
		stmt = sqlutil.TxStmt(txn, s.selectLocalMembershipsFromRoomAndMembershipStmt)
	} else {
		stmt = sqlutil.TxStmt(txn, s.selectMembershipsFromRoomAndMembershipStmt)
	}
	rows, err := stmt.QueryContext(ctx, roomNID, membership)
	if err != nil {
		return
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectMembershipsFromRoomAndMembership: rows.close() failed")

	var eNID types.EventNID
	for rows.Next() {
		if err = rows.Scan(&eNID); err != nil {
			return
		}
		eventNIDs = append(eventNIDs, eNID)
	}
	return eventNIDs, rows.Err()
}

func (s *membershipStatements) UpdateMembership(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, targetUserNID types.EventStateKeyNID,
	senderUserNID types.EventStateKeyNID, membership tables.MembershipState,
	eventNID types.EventNID, forgotten bool,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.updateMembershipStmt)
	res, err := stmt.ExecContext(
		ctx, senderUserNID, membership, eventNID, forgotten, roomNID, targetUserNID,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (s *membershipStatements) SelectJoinedUsersSetForRooms(
	ctx context.Context, txn *sql.Tx,
	roomNIDs []types.RoomNID,
	userNIDs []types.EventStateKeyNID,
	localOnly bool,
) (map[types.EventStateKeyNID]int, error) {
	params := make([]interface{}, 0, 1+len(roomNIDs)+len(userNIDs))
	params = append(params, localOnly)
	for _, v := range roomNIDs {
		params = append(params, v)
	}
	for _, v := range userNIDs {
		params = append(params, v)
	}

	query := strings.Replace(selectJoinedUsersSetForRoomsSQL, "($2)", sqlutil.QueryVariadicOffset(len(roomNIDs), 1), 1)
	if len(userNIDs) > 0 {
		query = strings.Replace(selectJoinedUsersSetForRoomsAndUserSQL, "($2)", sqlutil.QueryVariadicOffset(len(roomNIDs), 1), 1)
		query = strings.Replace(query, "($3)", sqlutil.QueryVariadicOffset(len(userNIDs), 1+len(roomNIDs)), 1)
	}
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, params...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectJoinedUsersSetForRooms: rows.close() failed")

	result := make(map[types.EventStateKeyNID]int)
	var userNID types.EventStateKeyNID
	var count int
	for rows.Next() {
		if err = rows.Scan(&userNID, &count); err != nil {
			return nil, err
		}
		result[userNID] = count
	}
	return result, rows.Err()
}

func (s *membershipStatements) SelectLocalServerInRoom(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID,
) (bool, error) {
	var nid types.RoomNID
	stmt := sqlutil.TxStmt(txn, s.selectLocalServerInRoomStmt)
	err := stmt.QueryRowContext(ctx, tables.MembershipStateJoin, roomNID).Scan(&nid)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	found := nid > 0
	return found, nil
}

func (s *membershipStatements) SelectServerInRoom(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, serverName string,
) (bool, error) {
	var nid types.RoomNID
	stmt := sqlutil.TxStmt(txn, s.selectServerInRoomStmt)
	err := stmt.QueryRowContext(ctx, tables.MembershipStateJoin, roomNID, serverName).Scan(&nid)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return roomNID == nid, nil
}
