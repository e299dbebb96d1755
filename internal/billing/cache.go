package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache is a short-lived redis read cache for balance projections.
// Entries are invalidated whenever a member's ledger changes, so the cache
// only ever shortcuts repeated reads between mutations.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache constructs the cache.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("billing:balance:%d", userID)
}

// Get returns the cached balance and whether it was present.
func (c *BalanceCache) Get(ctx context.Context, userID int64) (Balance, bool, error) {
	if c == nil || c.client == nil {
		return Balance{}, false, nil
	}
	raw, err := c.client.Get(ctx, balanceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return Balance{}, false, err
	}
	return b, true, nil
}

// Set stores the balance with the cache TTL.
func (c *BalanceCache) Set(ctx context.Context, userID int64, b Balance) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, balanceKey(userID), raw, c.ttl).Err()
}

// Invalidate drops the cached balance after a ledger mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, balanceKey(userID)).Err()
}
