// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/internal/caching"
	"github.com/element-hq/construct/internal/sqlutil"
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/storage"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/test"
	"github.com/element-hq/construct/test/testrig"
)

func openDatabase(t *testing.T, dbType test.DBType) (storage.RoomDatabase, context.Context, func()) {
	t.Helper()
	cfg, processCtx, closeRig := testrig.CreateConfig(t, dbType)
	cm := sqlutil.NewConnectionManager(processCtx, cfg.Global.DatabaseOptions)
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := storage.Open(processCtx.Context(), cm, &cfg.RoomServer.Database, caches)
	require.NoError(t, err)
	return db, processCtx.Context(), closeRig
}

// TestGetOrCreateNIDsForSeededValues tests interning values the schema
// pre-seeds. The insert returns no row for those, so the NID has to come
// from the follow-up select.
func TestGetOrCreateNIDsForSeededValues(t *testing.T) {
	t.Parallel()
	db, ctx, closeDB := openDatabase(t, test.DBTypeSQLite)
	defer closeDB()

	nid, err := db.GetOrCreateEventTypeNID(ctx, matrix.MRoomCreate)
	require.NoError(t, err)
	assert.Equal(t, types.MRoomCreateNID, nid)

	nid, err = db.GetOrCreateEventTypeNID(ctx, matrix.MRoomMember)
	require.NoError(t, err)
	assert.Equal(t, types.MRoomMemberNID, nid)

	emptyKey := ""
	stateKeyNID, err := db.GetOrCreateEventStateKeyNID(ctx, &emptyKey)
	require.NoError(t, err)
	assert.Equal(t, types.EventStateKeyNID(types.EmptyStateKeyNID), stateKeyNID)
}

// TestGetOrCreateNIDsForNewValues tests interning values the schema doesn't
// know about, twice, which must hand back the same NID both times.
func TestGetOrCreateNIDsForNewValues(t *testing.T) {
	t.Parallel()
	db, ctx, closeDB := openDatabase(t, test.DBTypeSQLite)
	defer closeDB()

	first, err := db.GetOrCreateEventTypeNID(ctx, "com.example.custom")
	require.NoError(t, err)
	assert.NotZero(t, first)

	second, err := db.GetOrCreateEventTypeNID(ctx, "com.example.custom")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stateKey := "@someone:test"
	firstKey, err := db.GetOrCreateEventStateKeyNID(ctx, &stateKey)
	require.NoError(t, err)
	assert.NotZero(t, firstKey)

	secondKey, err := db.GetOrCreateEventStateKeyNID(ctx, &stateKey)
	require.NoError(t, err)
	assert.Equal(t, firstKey, secondKey)
}
