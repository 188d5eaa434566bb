// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"github.com/element-hq/construct/matrix"
	"github.com/element-hq/construct/roomserver/types"
)

// Caches contains a set of references to caches. They may be the same
// underlying cache partitioned by prefix, or may be separate caches.
type Caches struct {
	RoomVersions            Cache[string, matrix.RoomVersion]           // room ID -> room version
	ServerKeys              Cache[string, matrix.PublicKeyLookupResult] // server name -> server keys
	RoomServerRoomNIDs      Cache[string, types.RoomNID]                // room ID -> room NID
	RoomServerRoomIDs       Cache[types.RoomNID, string]                // room NID -> room ID
	RoomServerEvents        Cache[int64, *types.HeaderedEvent]          // event NID -> event
	RoomServerStateKeys     Cache[types.EventStateKeyNID, string]       // eventStateKey NID -> event state key
	RoomServerStateKeyNIDs  Cache[string, types.EventStateKeyNID]       // event state key -> eventStateKey NID
	RoomServerEventTypeNIDs Cache[string, types.EventTypeNID]           // eventType -> eventType NID
	RoomServerEventTypes    Cache[types.EventTypeNID, string]           // eventType NID -> eventType
	FederationPDUs          Cache[int64, *types.HeaderedEvent]          // queue NID -> PDU
	RoomInfos               Cache[string, *types.RoomInfo]              // room ID -> room info
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, V any] interface {
	Get(key K) (value V, ok bool)
	Set(key K, value V)
	Unset(key K)
}

type keyable interface {
	// from the standard library, only types that can be used as map keys
	~string | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

type costable interface {
	CacheCost() int
}
