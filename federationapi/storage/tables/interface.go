// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/construct/federationapi/types"
)

// FederationRetryState persists the per-destination backoff state so that a
// restart does not reset the failure counters.
type FederationRetryState interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName string, failureCount uint32, retryUntil int64) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName string) (failureCount uint32, retryUntil int64, exists bool, err error)
	SelectAllRetryStates(ctx context.Context, txn *sql.Tx) (map[string]types.RetryState, error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName string) error
}

// FederationBlacklist records servers that have failed so many times in a
// row that we stop trying to send to them until we hear from them.
type FederationBlacklist interface {
	InsertBlacklist(ctx context.Context, txn *sql.Tx, serverName string) error
	SelectBlacklist(ctx context.Context, txn *sql.Tx, serverName string) (bool, error)
	DeleteBlacklist(ctx context.Context, txn *sql.Tx, serverName string) error
	DeleteAllBlacklist(ctx context.Context, txn *sql.Tx) error
}

// FederationAssumedOffline records servers that we assume to be offline
// after a smaller number of failures. We still try to send to them, but we
// don't wake their queue for every new event.
type FederationAssumedOffline interface {
	InsertAssumedOffline(ctx context.Context, txn *sql.Tx, serverName string) error
	SelectAssumedOffline(ctx context.Context, txn *sql.Tx, serverName string) (bool, error)
	DeleteAssumedOffline(ctx context.Context, txn *sql.Tx, serverName string) error
	DeleteAllAssumedOffline(ctx context.Context, txn *sql.Tx) error
}

// FederationWhitelist records servers that are exempt from blacklisting and
// assumed-offline tracking entirely.
type FederationWhitelist interface {
	InsertWhitelist(ctx context.Context, txn *sql.Tx, serverName string) error
	SelectWhitelist(ctx context.Context, txn *sql.Tx, serverName string) (bool, error)
	DeleteWhitelist(ctx context.Context, txn *sql.Tx, serverName string) error
	DeleteAllWhitelist(ctx context.Context, txn *sql.Tx) error
}
