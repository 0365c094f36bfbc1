package memory

import (
	"context"
	"fmt"
	"time"
)

// DefaultSeenTTL is how long a surfaced memory stays suppressed for a session.
const DefaultSeenTTL = 24 * time.Hour

// SeenCache is the session-scoped set of memory ids already surfaced.
// Every write refreshes the expiry; sets are never deleted explicitly.
type SeenCache struct {
	kv  KV
	ttl time.Duration
}

// NewSeenCache creates a SeenCache over kv. A non-positive ttl uses DefaultSeenTTL.
func NewSeenCache(kv KV, ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenCache{kv: kv, ttl: ttl}
}

// SeenKey is the store key of a session's seen-set.
func SeenKey(sessionID string) string {
	return "memories:seen:" + sessionID
}

// Load returns the ids already surfaced to the session.
func (c *SeenCache) Load(ctx context.Context, sessionID string) (IDSet, error) {
	ids, err := c.kv.SetMembers(ctx, SeenKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("seen cache: load: %w", err)
	}
	return NewIDSet(ids...), nil
}

// Mark records ids as surfaced and refreshes the set's expiry.
func (c *SeenCache) Mark(ctx context.Context, sessionID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	key := SeenKey(sessionID)
	if err := c.kv.AddSetMembers(ctx, key, ids...); err != nil {
		return fmt.Errorf("seen cache: add: %w", err)
	}
	if err := c.kv.Expire(ctx, key, c.ttl); err != nil {
		return fmt.Errorf("seen cache: expire: %w", err)
	}
	return nil
}
