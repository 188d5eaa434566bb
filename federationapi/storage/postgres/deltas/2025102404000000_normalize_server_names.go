// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpNormalizeServerNames lowercases the server names in the federation state
// tables. Server names are compared case insensitively, so rows that differ
// only by case are duplicates and must be merged by hand before this runs.
func UpNormalizeServerNames(ctx context.Context, tx *sql.Tx) error {
	var canonical string
	var count int
	checks := []string{
		"SELECT LOWER(server_name) AS canonical, COUNT(*) FROM federationsender_assumed_offline GROUP BY LOWER(server_name) HAVING COUNT(*) > 1 LIMIT 1",
		"SELECT LOWER(server_name) AS canonical, COUNT(*) FROM federationsender_blacklist GROUP BY LOWER(server_name) HAVING COUNT(*) > 1 LIMIT 1",
		"SELECT LOWER(server_name) AS canonical, COUNT(*) FROM federationsender_whitelist GROUP BY LOWER(server_name) HAVING COUNT(*) > 1 LIMIT 1",
		"SELECT LOWER(server_name) AS canonical, COUNT(*) FROM federationsender_retry_state GROUP BY LOWER(server_name) HAVING COUNT(*) > 1 LIMIT 1",
	}
	for _, table := range checks {
		switch err := tx.QueryRowContext(ctx, table).Scan(&canonical, &count); err {
		case sql.ErrNoRows:
		case nil:
			return fmt.Errorf("federation table contains server names that differ only by case (canonical=%s) - deduplicate before rerunning", canonical)
		default:
			return err
		}
	}

	statements := []string{
		`UPDATE federationsender_assumed_offline SET server_name = LOWER(server_name) WHERE server_name <> LOWER(server_name)`,
		`UPDATE federationsender_blacklist SET server_name = LOWER(server_name) WHERE server_name <> LOWER(server_name)`,
		`UPDATE federationsender_whitelist SET server_name = LOWER(server_name) WHERE server_name <> LOWER(server_name)`,
		`UPDATE federationsender_retry_state SET server_name = LOWER(server_name) WHERE server_name <> LOWER(server_name)`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func DownNormalizeServerNames(ctx context.Context, tx *sql.Tx) error {
	return nil
}
