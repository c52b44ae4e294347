package batchgate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// longFieldThreshold is the payload string length beyond which a field is
// folded into the key as a content fingerprint instead of raw text.
const longFieldThreshold = 256

// RequestCache is a content-addressable whole-result cache. Two requests
// with the same method, payload, priority and source map to the same entry,
// regardless of their correlation ids. Entries expire after the TTL; expiry
// is enforced on read, so a lookup never returns a stale result.
type RequestCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]requestCacheEntry
}

type requestCacheEntry struct {
	at    time.Time
	value any
}

// NewRequestCache creates a cache. A non-positive TTL defaults to 5 minutes.
func NewRequestCache(ttl time.Duration) *RequestCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RequestCache{
		ttl:     ttl,
		entries: make(map[string]requestCacheEntry),
	}
}

// Key derives the cache key for a request: method, canonical payload,
// priority and declared source, with long text fields hashed into a content
// fingerprint.
func (c *RequestCache) Key(req *Request) string {
	h := sha256.New()

	if method, ok := req.Payload["method"].(string); ok {
		h.Write([]byte(method))
	}
	h.Write([]byte{0})
	h.Write(canonicalJSON(fingerprintPayload(req.Payload)))
	h.Write([]byte{0})
	h.Write([]byte(req.Priority.String()))
	h.Write([]byte{0})
	h.Write([]byte(req.Metadata["source"]))

	return hex.EncodeToString(h.Sum(nil))
}

// fingerprintPayload substitutes long string fields with their digest so key
// material stays small while remaining content-sensitive.
func fingerprintPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok && len(s) > longFieldThreshold {
			sum := sha256.Sum256([]byte(s))
			out[k] = hex.EncodeToString(sum[:])
			continue
		}
		out[k] = v
	}
	return out
}

// Get returns the cached result for an equivalent request, evicting the
// entry on the spot if it has outlived the TTL.
func (c *RequestCache) Get(req *Request) (any, bool) {
	key := c.Key(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.at) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Set stores or overwrites the result for a request.
func (c *RequestCache) Set(req *Request, value any) {
	key := c.Key(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = requestCacheEntry{at: time.Now(), value: value}
}

// Cleanup removes every expired entry.
func (c *RequestCache) Cleanup() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.at.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
