package dhcp

import (
	"sync"
	"time"
)

// Throttle is a token-bucket limiter on how many decoded messages reach the
// event bus. It limits both total messages/sec and messages/sec per client.
// Decoding and metrics are never throttled, only publishing.
type Throttle struct {
	enabled        bool
	globalLimit    int
	perClientLimit int
	globalTokens   int
	perClient      map[string]*clientBucket
	mu             sync.Mutex
	lastRefill     time.Time
	refillInterval time.Duration
	staleAfter     time.Duration
}

type clientBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewThrottle creates a publish throttle. Non-positive limits take defaults.
func NewThrottle(enabled bool, globalLimit, perClientLimit int) *Throttle {
	if globalLimit <= 0 {
		globalLimit = 1000
	}
	if perClientLimit <= 0 {
		perClientLimit = 20
	}
	return &Throttle{
		enabled:        enabled,
		globalLimit:    globalLimit,
		perClientLimit: perClientLimit,
		globalTokens:   globalLimit,
		perClient:      make(map[string]*clientBucket),
		lastRefill:     time.Now(),
		refillInterval: time.Second,
		staleAfter:     30 * time.Second,
	}
}

// Allow reports whether a message from client may be published.
func (t *Throttle) Allow(client string) bool {
	if t == nil || !t.enabled {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.refill(now)

	if t.globalTokens <= 0 {
		return false
	}

	bucket, exists := t.perClient[client]
	if !exists {
		bucket = &clientBucket{tokens: t.perClientLimit, lastSeen: now}
		t.perClient[client] = bucket
	}
	if bucket.tokens <= 0 {
		return false
	}

	t.globalTokens--
	bucket.tokens--
	bucket.lastSeen = now
	return true
}

// refill adds tokens for each elapsed interval and forgets idle clients.
func (t *Throttle) refill(now time.Time) {
	intervals := int(now.Sub(t.lastRefill) / t.refillInterval)
	if intervals <= 0 {
		return
	}
	t.lastRefill = now

	t.globalTokens = min(t.globalTokens+t.globalLimit*intervals, t.globalLimit)

	for client, bucket := range t.perClient {
		if now.Sub(bucket.lastSeen) > t.staleAfter {
			delete(t.perClient, client)
			continue
		}
		bucket.tokens = min(bucket.tokens+t.perClientLimit*intervals, t.perClientLimit)
	}
}

// Stats returns the remaining global tokens and the number of tracked clients.
func (t *Throttle) Stats() (globalTokens int, trackedClients int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalTokens, len(t.perClient)
}
