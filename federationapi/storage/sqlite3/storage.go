// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"fmt"

	"github.com/element-hq/construct/federationapi/storage/shared"
	"github.com/element-hq/construct/federationapi/storage/sqlite3/deltas"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/setup/config"
)

// Database stores the backoff and blacklist state of remote servers.
type Database struct {
	shared.Database
}

// Open a sqlite database.
func Open(conMan *sqlutil.ConnectionManager, dbProperties *config.DatabaseOptions) (*Database, error) {
	var d Database
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}

	retryState, err := NewSQLiteRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	blacklist, err := NewSQLiteBlacklistTable(db)
	if err != nil {
		return nil, err
	}
	assumedOffline, err := NewSQLiteAssumedOfflineTable(db)
	if err != nil {
		return nil, err
	}
	whitelist, err := NewSQLiteWhitelistTable(db)
	if err != nil {
		return nil, err
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "federationapi: normalize server names",
		Up:      deltas.UpNormalizeServerNames,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, err
	}

	d.Database = shared.Database{
		DB:                       db,
		Writer:                   writer,
		FederationRetryState:     retryState,
		FederationBlacklist:      blacklist,
		FederationAssumedOffline: assumedOffline,
		FederationWhitelist:      whitelist,
	}
	return &d, nil
}
