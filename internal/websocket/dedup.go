package websocket

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dedupCache resolves duplicate requests (same requestId inside the TTL
// window) to the original result without re-applying the command. It is
// per-connection: bounded size with strict LRU eviction plus a TTL.
type dedupCache struct {
	lru *expirable.LRU[string, []byte]
}

func newDedupCache(size int, ttl time.Duration) *dedupCache {
	return &dedupCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the cached reply frame for a requestId, if still live.
func (c *dedupCache) Get(requestID string) ([]byte, bool) {
	if requestID == "" {
		return nil, false
	}
	return c.lru.Get(requestID)
}

// Put records the reply frame for a requestId.
func (c *dedupCache) Put(requestID string, frame []byte) {
	if requestID == "" || frame == nil {
		return
	}
	c.lru.Add(requestID, frame)
}
