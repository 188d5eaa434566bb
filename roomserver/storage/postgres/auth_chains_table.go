// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/construct/internal"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

const authChainsSchema = `
-- The auth chains table stores, for each event, the transitive closure of
-- its auth_events references as numeric event IDs. The closure is computed
-- once at insert time from the closures of the direct auth events, so
-- serving an auth chain never needs to walk the graph.
CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
    -- The numeric ID of the event.
    event_nid BIGINT NOT NULL PRIMARY KEY,
    -- The numeric IDs of every event in the auth chain, direct auth events
    -- included, sorted and deduplicated.
    chain_event_nids BIGINT[] NOT NULL
);
`

const insertAuthChainSQL = "" +
	"INSERT INTO roomserver_auth_chains (event_nid, chain_event_nids)" +
	" VALUES ($1, $2)" +
	" ON CONFLICT (event_nid) DO NOTHING"

const bulkSelectAuthChainsSQL = "" +
	"SELECT event_nid, chain_event_nids FROM roomserver_auth_chains" +
	" WHERE event_nid = ANY($1)"

type authChainsStatements struct {
	insertAuthChainStmt      *sql.Stmt
	bulkSelectAuthChainsStmt *sql.Stmt
}

func CreateAuthChainsTable(db *sql.DB) error {
	_, err := db.Exec(authChainsSchema)
	return err
}

func PrepareAuthChainsTable(db *sql.DB) (tables.AuthChains, error) {
	s := &authChainsStatements{}

	return s, sqlutil.StatementList{
		{&s.insertAuthChainStmt, insertAuthChainSQL},
		{&s.bulkSelectAuthChainsStmt, bulkSelectAuthChainsSQL},
	}.Prepare(db)
}

func (s *authChainsStatements) InsertAuthChain(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID, chainEventNIDs []types.EventNID,
) error {
	nids := make(pq.Int64Array, len(chainEventNIDs))
	for i := range chainEventNIDs {
		nids[i] = int64(chainEventNIDs[i])
	}
	stmt := sqlutil.TxStmt(txn, s.insertAuthChainStmt)
	_, err := stmt.ExecContext(ctx, int64(eventNID), nids)
	return err
}

func (s *authChainsStatements) BulkSelectAuthChains(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) (map[types.EventNID][]types.EventNID, error) {
	nids := make(pq.Int64Array, len(eventNIDs))
	for i := range eventNIDs {
		nids[i] = int64(eventNIDs[i])
	}
	stmt := sqlutil.TxStmt(txn, s.bulkSelectAuthChainsStmt)
	rows, err := stmt.QueryContext(ctx, nids)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectAuthChains: rows.close() failed")
	results := make(map[types.EventNID][]types.EventNID, len(eventNIDs))
	for rows.Next() {
		var eventNID int64
		var chainNIDs pq.Int64Array
		if err = rows.Scan(&eventNID, &chainNIDs); err != nil {
			return nil, err
		}
		chain := make([]types.EventNID, len(chainNIDs))
		for i := range chainNIDs {
			chain[i] = types.EventNID(chainNIDs[i])
		}
		results[types.EventNID(eventNID)] = chain
	}
	return results, rows.Err()
}
