// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryVariadic(t *testing.T) {
	assert.Equal(t, "($1)", QueryVariadic(1))
	assert.Equal(t, "($1, $2, $3)", QueryVariadic(3))
	assert.Equal(t, "($3, $4)", QueryVariadicOffset(2, 2))
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := sqliteDSN("file:roomserver.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:roomserver.db?")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=wal")

	// Explicit parameters are preserved.
	dsn, err = sqliteDSN("file:test.db?_busy_timeout=100")
	require.NoError(t, err)
	assert.Contains(t, dsn, "_busy_timeout=100")

	_, err = sqliteDSN("file:")
	assert.Error(t, err)
}

func TestExclusiveWriterSerializes(t *testing.T) {
	w := NewExclusiveWriter()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := w.Do(nil, nil, func(txn *sql.Tx) error {
				// TryLock failing here would mean two tasks ran at once.
				if !mu.TryLock() {
					return fmt.Errorf("overlapping write")
				}
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 8)
}

func TestMigratorRunsPendingMigrationsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS db_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM db_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("already applied"))
	mock.ExpectBegin()
	mock.ExpectExec("ALTER TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO db_migrations").
		WithArgs("pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied := 0
	m := NewMigrator(db)
	m.AddMigrations(
		Migration{
			Version: "already applied",
			Up: func(ctx context.Context, txn *sql.Tx) error {
				t.Fatal("migration ran twice")
				return nil
			},
		},
		Migration{
			Version: "pending",
			Up: func(ctx context.Context, txn *sql.Tx) error {
				applied++
				_, err := txn.ExecContext(ctx, "ALTER TABLE foo ADD COLUMN bar TEXT")
				return err
			},
		},
		// Duplicate versions are dropped.
		Migration{Version: "pending"},
	)
	require.NoError(t, m.Up(context.Background()))
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		return fmt.Errorf("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.NoError(t, mock.ExpectationsWereMet())
}
