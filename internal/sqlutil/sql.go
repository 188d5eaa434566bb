// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// A Transaction is something that can be committed or rolledback.
type Transaction interface {
	// Commit the transaction
	Commit() error
	// Rollback the transaction.
	Rollback() error
}

// EndTransaction ends a transaction. If the transaction succeeded then it is
// committed, otherwise it is rolledback.
// You MUST check the error returned from this function to be sure that the
// transaction was applied correctly. For example, 'database is locked' errors
// in sqlite will happen here.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// EndTransactionWithCheck ends a transaction and overwrites the error pointer
// if its value was nil.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if e := EndTransaction(txn, succeeded); e != nil && *err == nil {
		*err = e
	}
}

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolledback
// Otherwise the transaction is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			logrus.WithField("panic", r).Errorf("recovered from panic in WithTransaction: %s", debug.Stack())
			err = fmt.Errorf("panic in WithTransaction: %v", r)
			return
		}
		e := EndTransaction(txn, &succeeded)
		if err == nil && e != nil {
			err = fmt.Errorf("sqlutil.WithTransaction.EndTransaction: %w", e)
		}
	}()

	err = fn(txn)
	if err != nil {
		return
	}
	succeeded = true
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
// If the transaction is nil then it returns the original statement that will
// run outside of a transaction.
// Otherwise returns a copy of the statement that will run inside the transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// TxStmtContext behaves similarly to TxStmt, given a context.
func TxStmtContext(ctx context.Context, transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.StmtContext(ctx, statement)
	}
	return statement
}

// TxPrepare prepares a dynamically built query on the transaction when one is
// in scope, otherwise on the database. SQLite runs on a single connection, so
// preparing on the database while a transaction holds that connection blocks
// forever.
func TxPrepare(txn *sql.Tx, db *sql.DB, query string) (*sql.Stmt, error) {
	if txn != nil {
		return txn.Prepare(query)
	}
	return db.Prepare(query)
}

// QueryVariadic returns a "?,?,?" placeholder string for the given number of
// variables, for queries against sqlite where the variable count is dynamic.
func QueryVariadic(count int) string {
	return QueryVariadicOffset(count, 0)
}

// QueryVariadicOffset produces a query placeholder string starting at the
// offset, so that fixed arguments can precede the variadic ones.
func QueryVariadicOffset(count, offset int) string {
	str := "("
	for i := 0; i < count; i++ {
		str += fmt.Sprintf("$%d", i+offset+1)
		if i < (count - 1) {
			str += ", "
		}
	}
	str += ")"
	return str
}

// QueryProvider defines the interface for querys used by RunLimitedVariablesQuery.
type QueryProvider interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ExecProvider defines the interface for querys used by RunLimitedVariablesExec.
type ExecProvider interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SQLite3MaxVariables is the default maximum number of host parameters in a single SQL statement
// SQLlite can handle. See https://www.sqlite.org/limits.html for more information.
const SQLite3MaxVariables = 999

// RunLimitedVariablesQuery split up a query with more variables than the used database can handle in multiple queries.
func RunLimitedVariablesQuery(ctx context.Context, query string, qp QueryProvider, variables []interface{}, limit uint, rowHandler func(*sql.Rows) error) error {
	var start uint
	for start < uint(len(variables)) {
		n := minOfInts(uint(len(variables))-start, limit)
		nextQuery := strings.Replace(query, "($1)", QueryVariadic(int(n)), 1)
		rows, err := qp.QueryContext(ctx, nextQuery, variables[start:start+n]...)
		if err != nil {
			logrus.WithError(err).Error("sqlutil.RunLimitedVariablesQuery.QueryContext failed")
			return err
		}
		if err = rowHandler(rows); err != nil {
			logrus.WithError(err).Error("sqlutil.RunLimitedVariablesQuery.rowHandler failed")
			return err
		}
		if err = rows.Close(); err != nil {
			return err
		}
		start += n
	}
	return nil
}

// RunLimitedVariablesExec split up a query with more variables than the used database can handle in multiple queries.
func RunLimitedVariablesExec(ctx context.Context, query string, qp ExecProvider, variables []interface{}, limit uint) error {
	var start uint
	for start < uint(len(variables)) {
		n := minOfInts(uint(len(variables))-start, limit)
		nextQuery := strings.Replace(query, "($1)", QueryVariadic(int(n)), 1)
		_, err := qp.ExecContext(ctx, nextQuery, variables[start:start+n]...)
		if err != nil {
			logrus.WithError(err).Error("sqlutil.RunLimitedVariablesExec.ExecContext failed")
			return err
		}
		start += n
	}
	return nil
}

func minOfInts(a, b uint) uint {
	if a <= b {
		return a
	}
	return b
}

// StatementList is a list of SQL statements to prepare and a pointer to where to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			err = fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
			return
		}
	}
	return
}
