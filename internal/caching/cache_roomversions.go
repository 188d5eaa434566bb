package caching

import "github.com/element-hq/construct/matrix"

// RoomVersionCache contains the subset of the Caches interface that is used
// anywhere a room's version needs resolving without a database hit.
type RoomVersionCache interface {
	GetRoomVersion(roomID string) (roomVersion matrix.RoomVersion, ok bool)
	StoreRoomVersion(roomID string, roomVersion matrix.RoomVersion)
}

func (c Caches) GetRoomVersion(roomID string) (matrix.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, roomVersion matrix.RoomVersion) {
	c.RoomVersions.Set(roomID, roomVersion)
}
