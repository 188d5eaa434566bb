// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/construct/federationapi/storage/tables"
	"github.com/element-hq/construct/federationapi/types"
	"github.com/element-hq/construct/internal/sqlutil"
)

// Database wires the federation tables up behind the storage interface.
type Database struct {
	DB                       *sql.DB
	Writer                   sqlutil.Writer
	FederationRetryState     tables.FederationRetryState
	FederationBlacklist      tables.FederationBlacklist
	FederationAssumedOffline tables.FederationAssumedOffline
	FederationWhitelist      tables.FederationWhitelist
}

func (d *Database) UpsertRetryState(ctx context.Context, serverName string, failureCount uint32, retryUntil int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationRetryState.UpsertRetryState(ctx, txn, serverName, failureCount, retryUntil)
	})
}

func (d *Database) GetRetryState(ctx context.Context, serverName string) (failureCount uint32, retryUntil int64, exists bool, err error) {
	return d.FederationRetryState.SelectRetryState(ctx, nil, serverName)
}

func (d *Database) GetAllRetryStates(ctx context.Context) (map[string]types.RetryState, error) {
	return d.FederationRetryState.SelectAllRetryStates(ctx, nil)
}

func (d *Database) RemoveRetryState(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationRetryState.DeleteRetryState(ctx, txn, serverName)
	})
}

func (d *Database) AddServerToBlacklist(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationBlacklist.InsertBlacklist(ctx, txn, serverName)
	})
}

func (d *Database) RemoveServerFromBlacklist(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationBlacklist.DeleteBlacklist(ctx, txn, serverName)
	})
}

func (d *Database) RemoveAllServersFromBlacklist(ctx context.Context) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationBlacklist.DeleteAllBlacklist(ctx, txn)
	})
}

func (d *Database) IsServerBlacklisted(ctx context.Context, serverName string) (bool, error) {
	return d.FederationBlacklist.SelectBlacklist(ctx, nil, serverName)
}

func (d *Database) SetServerAssumedOffline(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationAssumedOffline.InsertAssumedOffline(ctx, txn, serverName)
	})
}

func (d *Database) RemoveServerAssumedOffline(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationAssumedOffline.DeleteAssumedOffline(ctx, txn, serverName)
	})
}

func (d *Database) RemoveAllServersAssumedOffline(ctx context.Context) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationAssumedOffline.DeleteAllAssumedOffline(ctx, txn)
	})
}

func (d *Database) IsServerAssumedOffline(ctx context.Context, serverName string) (bool, error) {
	return d.FederationAssumedOffline.SelectAssumedOffline(ctx, nil, serverName)
}

func (d *Database) AddServerToWhitelist(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationWhitelist.InsertWhitelist(ctx, txn, serverName)
	})
}

func (d *Database) RemoveServerFromWhitelist(ctx context.Context, serverName string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationWhitelist.DeleteWhitelist(ctx, txn, serverName)
	})
}

func (d *Database) RemoveAllServersFromWhitelist(ctx context.Context) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationWhitelist.DeleteAllWhitelist(ctx, txn)
	})
}

func (d *Database) IsServerWhitelisted(ctx context.Context, serverName string) (bool, error) {
	return d.FederationWhitelist.SelectWhitelist(ctx, nil, serverName)
}
