// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/element-hq/construct/setup/config"
)

// DBType picks the database engine a test should run against.
type DBType int

const (
	DBTypeSQLite DBType = iota + 1
	DBTypePostgres
)

// PostgresURIEnv names the environment variable holding a Postgres
// connection URI for tests. Postgres test cases are skipped when unset.
const PostgresURIEnv = "CONSTRUCT_TEST_POSTGRES_URI"

// PrepareDBConnectionString returns a connection string for a fresh test
// database of the given type. SQLite databases live in a per-test temporary
// directory which the test framework removes on cleanup.
func PrepareDBConnectionString(t *testing.T, dbType DBType) config.DataSource {
	t.Helper()
	switch dbType {
	case DBTypeSQLite:
		dbFile := filepath.Join(t.TempDir(), "test.db")
		return config.DataSource(fmt.Sprintf("file:%s", dbFile))
	case DBTypePostgres:
		uri := os.Getenv(PostgresURIEnv)
		if uri == "" {
			t.Skipf("%s not set, skipping Postgres test", PostgresURIEnv)
		}
		return config.DataSource(uri)
	default:
		t.Fatalf("unknown database type %d", dbType)
		return ""
	}
}

// WithAllDatabases runs the given test body against every available database
// engine as a subtest.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, dbType DBType)) {
	t.Helper()
	dbs := map[string]DBType{
		"sqlite":   DBTypeSQLite,
		"postgres": DBTypePostgres,
	}
	for name, dbType := range dbs {
		dbt := dbType
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testFn(t, dbt)
		})
	}
}
