package engine

import (
	"time"

	"github.com/1ureka/dcom/internal/protocol"
)

type dedupKey struct {
	srcIA uint32
	rid   uint16
	token uint16
}

// cachedReply is what was sent back for a request.
type cachedReply struct {
	code    uint8 // CodeResponse or CodeRST
	payload []byte
	errCode protocol.ErrorCode
}

type dedupEntry struct {
	reply   *cachedReply // nil while the handler is still running
	expires time.Time
}

// dedupCache remembers requests recently served so a retransmission is not
// handed to the handler twice. Owned by the engine goroutine.
type dedupCache struct {
	ttl     time.Duration
	entries map[dedupKey]*dedupEntry
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, entries: make(map[dedupKey]*dedupEntry)}
}

func (c *dedupCache) enabled() bool { return c.ttl > 0 }

func (c *dedupCache) lookup(k dedupKey, now time.Time) (*dedupEntry, bool) {
	if !c.enabled() {
		return nil, false
	}
	e, ok := c.entries[k]
	if !ok || now.After(e.expires) {
		return nil, false
	}
	return e, true
}

func (c *dedupCache) begin(k dedupKey, now time.Time) {
	if c.enabled() {
		c.entries[k] = &dedupEntry{expires: now.Add(c.ttl)}
	}
}

func (c *dedupCache) complete(k dedupKey, r *cachedReply, now time.Time) {
	if c.enabled() {
		c.entries[k] = &dedupEntry{reply: r, expires: now.Add(c.ttl)}
	}
}

func (c *dedupCache) expire(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
