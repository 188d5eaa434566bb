// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/construct/federationapi/storage/postgres"
	"github.com/element-hq/construct/federationapi/storage/sqlite3"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/setup/config"
)

// Open opens a database connection.
func Open(conMan *sqlutil.ConnectionManager, dbProperties *config.DatabaseOptions) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.Open(conMan, dbProperties)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.Open(conMan, dbProperties)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
