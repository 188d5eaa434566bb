package caching

import (
	"github.com/element-hq/construct/roomserver/types"
)

// RoomServerCaches contains the caches the room server storage layer uses.
type RoomServerCaches interface {
	RoomServerNIDsCache
	RoomVersionCache
	RoomServerEventsCache
	RoomInfoCache
}

// RoomServerNIDsCache covers the interned numeric ID lookups.
type RoomServerNIDsCache interface {
	GetRoomServerRoomID(roomNID types.RoomNID) (string, bool)
	StoreRoomServerRoomID(roomNID types.RoomNID, roomID string)
	GetRoomServerRoomNID(roomID string) (types.RoomNID, bool)
	StoreRoomServerRoomNID(roomID string, roomNID types.RoomNID)
	GetEventTypeKey(eventType string) (types.EventTypeNID, bool)
	StoreEventTypeKey(eventTypeNID types.EventTypeNID, eventType string)
	GetEventStateKey(eventStateKeyNID types.EventStateKeyNID) (string, bool)
	StoreEventStateKey(eventStateKeyNID types.EventStateKeyNID, eventStateKey string)
	GetEventStateKeyNID(eventStateKey string) (types.EventStateKeyNID, bool)
	StoreEventStateKeyNID(eventStateKey string, eventStateKeyNID types.EventStateKeyNID)
}

// RoomServerEventsCache covers the interned event bodies.
type RoomServerEventsCache interface {
	GetRoomServerEvent(eventNID types.EventNID) (*types.HeaderedEvent, bool)
	StoreRoomServerEvent(eventNID types.EventNID, event *types.HeaderedEvent)
	InvalidateRoomServerEvent(eventNID types.EventNID)
}

// RoomInfoCache caches the mutable per-room header row. Entries expire
// quickly as the latest state snapshot NID changes on every new event.
type RoomInfoCache interface {
	GetRoomInfo(roomID string) (roomInfo *types.RoomInfo, ok bool)
	StoreRoomInfo(roomID string, roomInfo *types.RoomInfo)
}

func (c Caches) GetRoomServerRoomID(roomNID types.RoomNID) (string, bool) {
	return c.RoomServerRoomIDs.Get(roomNID)
}

func (c Caches) StoreRoomServerRoomID(roomNID types.RoomNID, roomID string) {
	c.RoomServerRoomIDs.Set(roomNID, roomID)
}

func (c Caches) GetRoomServerRoomNID(roomID string) (types.RoomNID, bool) {
	return c.RoomServerRoomNIDs.Get(roomID)
}

func (c Caches) StoreRoomServerRoomNID(roomID string, roomNID types.RoomNID) {
	c.RoomServerRoomNIDs.Set(roomID, roomNID)
}

func (c Caches) GetEventTypeKey(eventType string) (types.EventTypeNID, bool) {
	return c.RoomServerEventTypeNIDs.Get(eventType)
}

func (c Caches) StoreEventTypeKey(eventTypeNID types.EventTypeNID, eventType string) {
	c.RoomServerEventTypes.Set(eventTypeNID, eventType)
	c.RoomServerEventTypeNIDs.Set(eventType, eventTypeNID)
}

func (c Caches) GetEventStateKey(eventStateKeyNID types.EventStateKeyNID) (string, bool) {
	return c.RoomServerStateKeys.Get(eventStateKeyNID)
}

func (c Caches) StoreEventStateKey(eventStateKeyNID types.EventStateKeyNID, eventStateKey string) {
	c.RoomServerStateKeys.Set(eventStateKeyNID, eventStateKey)
	c.RoomServerStateKeyNIDs.Set(eventStateKey, eventStateKeyNID)
}

func (c Caches) GetEventStateKeyNID(eventStateKey string) (types.EventStateKeyNID, bool) {
	return c.RoomServerStateKeyNIDs.Get(eventStateKey)
}

func (c Caches) StoreEventStateKeyNID(eventStateKey string, eventStateKeyNID types.EventStateKeyNID) {
	c.RoomServerStateKeyNIDs.Set(eventStateKey, eventStateKeyNID)
}

func (c Caches) GetRoomServerEvent(eventNID types.EventNID) (*types.HeaderedEvent, bool) {
	return c.RoomServerEvents.Get(int64(eventNID))
}

func (c Caches) StoreRoomServerEvent(eventNID types.EventNID, event *types.HeaderedEvent) {
	c.RoomServerEvents.Set(int64(eventNID), event)
}

func (c Caches) InvalidateRoomServerEvent(eventNID types.EventNID) {
	c.RoomServerEvents.Unset(int64(eventNID))
}

func (c Caches) GetRoomInfo(roomID string) (*types.RoomInfo, bool) {
	return c.RoomInfos.Get(roomID)
}

func (c Caches) StoreRoomInfo(roomID string, roomInfo *types.RoomInfo) {
	c.RoomInfos.Set(roomID, roomInfo)
}
