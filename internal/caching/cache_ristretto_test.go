// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
	"github.com/element-hq/construct/setup/config"
)

func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 8*1024*1024, time.Hour)
}

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond) // Ristretto uses async operations
}

func createTestHeaderedEvent(t *testing.T, eventID string) *types.HeaderedEvent {
	t.Helper()
	verImpl, err := matrix.GetRoomVersion(matrix.RoomVersionV10)
	require.NoError(t, err)
	event, err := matrix.NewEventFromTrustedJSONWithEventID(eventID, []byte(fmt.Sprintf(`{
		"type": "m.room.message",
		"room_id": "!test:server",
		"sender": "@user:server",
		"origin_server_ts": 1000,
		"prev_events": [],
		"auth_events": [],
		"content": {"body": "test %s"}
	}`, eventID)), false, verImpl)
	require.NoError(t, err)
	return &types.HeaderedEvent{PDU: event}
}

func TestRistrettoCachePartitionSetAndGet(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomVersions.Set("!room1:server", matrix.RoomVersionV10)
	waitForCacheProcessing(t)

	version, ok := cache.RoomVersions.Get("!room1:server")
	assert.True(t, ok)
	assert.Equal(t, matrix.RoomVersionV10, version)

	_, ok = cache.RoomVersions.Get("!nonexistent:server")
	assert.False(t, ok)
}

func TestRistrettoCachePartitionUnset(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.ServerKeys.Set("server1", matrix.PublicKeyLookupResult{})
	waitForCacheProcessing(t)
	_, ok := cache.ServerKeys.Get("server1")
	assert.True(t, ok)

	cache.ServerKeys.Unset("server1")
	waitForCacheProcessing(t)
	_, ok = cache.ServerKeys.Get("server1")
	assert.False(t, ok)
}

func TestRistrettoCachePartitionImmutable(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.RoomVersions.Set("!room1:server", matrix.RoomVersionV10)
	waitForCacheProcessing(t)

	// Changing the value of an immutable entry panics, setting the same
	// value again does not, and Unset always panics.
	assert.Panics(t, func() {
		cache.RoomVersions.Set("!room1:server", matrix.RoomVersionV9)
	})
	assert.NotPanics(t, func() {
		cache.RoomVersions.Set("!room1:server", matrix.RoomVersionV10)
	})
	assert.Panics(t, func() {
		cache.RoomVersions.Unset("!room1:server")
	})
}

func TestRistrettoCachePartitionTTL(t *testing.T) {
	t.Parallel()
	cache := createTestCache(t, 8*1024*1024, 50*time.Millisecond)

	cache.RoomVersions.Set("!room1:server", matrix.RoomVersionV10)
	waitForCacheProcessing(t)
	_, ok := cache.RoomVersions.Get("!room1:server")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, found := cache.RoomVersions.Get("!room1:server")
		return !found
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRistrettoCostedCachePartition(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	events := map[int64]*types.HeaderedEvent{
		1: createTestHeaderedEvent(t, "$event1"),
		2: createTestHeaderedEvent(t, "$event2"),
		3: createTestHeaderedEvent(t, "$event3"),
	}
	for nid, event := range events {
		cache.RoomServerEvents.Set(nid, event)
	}
	waitForCacheProcessing(t)

	for nid, expected := range events {
		retrieved, ok := cache.RoomServerEvents.Get(nid)
		assert.True(t, ok, "event %d should be in cache", nid)
		assert.Equal(t, expected.EventID(), retrieved.EventID())
	}
}

func TestRistrettoCachePartitionPrefixIsolation(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	// Same underlying key value in two partitions.
	cache.RoomServerStateKeys.Set(types.EventStateKeyNID(1), "@alice:server")
	cache.RoomServerEventTypes.Set(types.EventTypeNID(1), "m.room.member")
	waitForCacheProcessing(t)

	stateKey, ok1 := cache.RoomServerStateKeys.Get(types.EventStateKeyNID(1))
	eventType, ok2 := cache.RoomServerEventTypes.Get(types.EventTypeNID(1))
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "@alice:server", stateKey)
	assert.Equal(t, "m.room.member", eventType)
}

func TestRistrettoCachePartitionConcurrentAccess(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				roomID := fmt.Sprintf("!room%d-%d:server", id, j)
				cache.RoomVersions.Set(roomID, matrix.RoomVersionV10)
				_, _ = cache.RoomVersions.Get(roomID)
			}
		}(i)
	}
	wg.Wait()
	waitForCacheProcessing(t)

	version, ok := cache.RoomVersions.Get("!room0-0:server")
	assert.True(t, ok)
	assert.Equal(t, matrix.RoomVersionV10, version)
}

func TestCachesNIDWrappers(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.StoreRoomServerRoomNID("!room:server", types.RoomNID(42))
	cache.StoreRoomServerRoomID(types.RoomNID(42), "!room:server")
	cache.StoreEventTypeKey(types.EventTypeNID(7), "m.room.message")
	cache.StoreEventStateKey(types.EventStateKeyNID(9), "@alice:server")
	waitForCacheProcessing(t)

	roomNID, ok := cache.GetRoomServerRoomNID("!room:server")
	assert.True(t, ok)
	assert.Equal(t, types.RoomNID(42), roomNID)

	roomID, ok := cache.GetRoomServerRoomID(types.RoomNID(42))
	assert.True(t, ok)
	assert.Equal(t, "!room:server", roomID)

	// StoreEventTypeKey and StoreEventStateKey populate both directions.
	typeNID, ok := cache.GetEventTypeKey("m.room.message")
	assert.True(t, ok)
	assert.Equal(t, types.EventTypeNID(7), typeNID)

	stateKey, ok := cache.GetEventStateKey(types.EventStateKeyNID(9))
	assert.True(t, ok)
	assert.Equal(t, "@alice:server", stateKey)

	stateKeyNID, ok := cache.GetEventStateKeyNID("@alice:server")
	assert.True(t, ok)
	assert.Equal(t, types.EventStateKeyNID(9), stateKeyNID)
}

func TestCachesServerKeysValidity(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	cache.StoreServerKey("remote", "ed25519:abc", matrix.PublicKeyLookupResult{
		ValidUntilTS: 2000,
	})
	waitForCacheProcessing(t)

	// Valid at a timestamp inside the validity window.
	_, ok := cache.GetServerKey("remote", "ed25519:abc", 1000)
	assert.True(t, ok)

	// Not usable for events after the key stopped being valid.
	_, ok = cache.GetServerKey("remote", "ed25519:abc", 3000)
	assert.False(t, ok)
}

func TestCachesRoomServerEventWrappers(t *testing.T) {
	t.Parallel()
	cache := createDefaultTestCache(t)

	event := createTestHeaderedEvent(t, "$cached")
	cache.StoreRoomServerEvent(types.EventNID(1), event)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetRoomServerEvent(types.EventNID(1))
	assert.True(t, ok)
	assert.Equal(t, "$cached", retrieved.EventID())

	cache.InvalidateRoomServerEvent(types.EventNID(1))
	waitForCacheProcessing(t)
	_, ok = cache.GetRoomServerEvent(types.EventNID(1))
	assert.False(t, ok)
}
