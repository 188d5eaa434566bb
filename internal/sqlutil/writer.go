// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
)

// The Writer interface is designed to allow a dedicated component to be
// responsible for writing to the database. SQLite does not effectively
// support concurrent writes, so that all write activity must be funneled
// through a single goroutine to avoid "database is locked" errors.
//
// Queuing each database write operation in a Writer ensures that we
// don't start too many write transactions to the database at a time.
//
// The Do function should be used to perform a write. If the call
// succeeds then the transaction will be committed, otherwise it will
// be rolled back. If a transaction is supplied then the supplied
// transaction will be used, otherwise a new one will be created for
// the write.
type Writer interface {
	// Queue up one or more database write operations within the
	// provided function to be executed when it is safe to do so.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
