package caching

import (
	"fmt"

	"github.com/element-hq/construct/matrix"
)

// ServerKeyCache caches fetched remote signing keys so that event signature
// checks don't have to hit the network for every event.
type ServerKeyCache interface {
	// GetServerKey returns the key if it is cached and was valid at the
	// requested timestamp.
	GetServerKey(serverName string, keyID matrix.KeyID, timestamp int64) (response matrix.PublicKeyLookupResult, ok bool)
	StoreServerKey(serverName string, keyID matrix.KeyID, response matrix.PublicKeyLookupResult)
}

func (c Caches) GetServerKey(
	serverName string, keyID matrix.KeyID, timestamp int64,
) (matrix.PublicKeyLookupResult, bool) {
	key := fmt.Sprintf("%s/%s", serverName, keyID)
	val, found := c.ServerKeys.Get(key)
	if found && !val.WasValidAt(timestamp, true) {
		// The key wasn't valid at the requested timestamp so clearly
		// isn't trustworthy enough to use.
		return matrix.PublicKeyLookupResult{}, false
	}
	return val, found
}

func (c Caches) StoreServerKey(
	serverName string, keyID matrix.KeyID, response matrix.PublicKeyLookupResult,
) {
	key := fmt.Sprintf("%s/%s", serverName, keyID)
	c.ServerKeys.Set(key, response)
}
