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
	"github.com/element-hq/construct/roomserver/storage/tables"
	"github.com/element-hq/construct/roomserver/types"
)

const authChainsSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
    event_nid INTEGER NOT NULL PRIMARY KEY,
    chain_event_nids TEXT NOT NULL
  );
`

const insertAuthChainSQL = `
	INSERT OR IGNORE INTO roomserver_auth_chains (event_nid, chain_event_nids)
	  VALUES ($1, $2)
`

const bulkSelectAuthChainsSQL = `
	SELECT event_nid, chain_event_nids FROM roomserver_auth_chains
	  WHERE event_nid IN ($1)
`

type authChainsStatements struct {
	db                  *sql.DB
	insertAuthChainStmt *sql.Stmt
}

func CreateAuthChainsTable(db *sql.DB) error {
	_, err := db.Exec(authChainsSchema)
	return err
}

func PrepareAuthChainsTable(db *sql.DB) (tables.AuthChains, error) {
	s := &authChainsStatements{
		db: db,
	}

	return s, sqlutil.StatementList{
		{&s.insertAuthChainStmt, insertAuthChainSQL},
	}.Prepare(db)
}

func (s *authChainsStatements) InsertAuthChain(
	ctx context.Context, txn *sql.Tx, eventNID types.EventNID, chainEventNIDs []types.EventNID,
) error {
	chainBlob, err := json.Marshal(chainEventNIDs)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.insertAuthChainStmt)
	_, err = stmt.ExecContext(ctx, int64(eventNID), string(chainBlob))
	return err
}

func (s *authChainsStatements) BulkSelectAuthChains(
	ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID,
) (map[types.EventNID][]types.EventNID, error) {
	qry := strings.Replace(bulkSelectAuthChainsSQL, "($1)", sqlutil.QueryVariadic(len(eventNIDs)), 1)
	stmt, err := sqlutil.TxPrepare(txn, s.db, qry)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "bulkSelectAuthChains: stmt.close() failed")

	params := make([]interface{}, len(eventNIDs))
	for i := range eventNIDs {
		params[i] = int64(eventNIDs[i])
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectAuthChains: rows.close() failed")
	results := make(map[types.EventNID][]types.EventNID, len(eventNIDs))
	for rows.Next() {
		var eventNID int64
		var chainBlob string
		if err = rows.Scan(&eventNID, &chainBlob); err != nil {
			return nil, err
		}
		var chain []types.EventNID
		if err = json.Unmarshal([]byte(chainBlob), &chain); err != nil {
			return nil, err
		}
		results[types.EventNID(eventNID)] = chain
	}
	return results, rows.Err()
}
