// Package cache holds the Redis-backed fast path for duplicate detection.
//
// The cache only ever answers "seen"; a miss or a Redis error falls through
// to the tasks table, which stays the source of truth.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/reward-ledger/ledger"
)

// DefaultTTL covers the longest partner redelivery window we have seen.
const DefaultTTL = 45 * 24 * time.Hour

// Seen is a ledger.SeenCache over Redis keys of the form
// ledger:seen:<direction>:<transaction id>.
type Seen struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ ledger.SeenCache = (*Seen)(nil)

// NewSeen wraps a Redis client. ttl <= 0 uses DefaultTTL.
func NewSeen(rdb redis.Cmdable, ttl time.Duration) *Seen {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Seen{rdb: rdb, prefix: "ledger:seen", ttl: ttl}
}

// Connect dials Redis and verifies it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *Seen) key(dir ledger.Direction, txID ledger.TransactionID) string {
	return s.prefix + ":" + string(dir) + ":" + string(txID)
}

func (s *Seen) Seen(ctx context.Context, dir ledger.Direction, txID ledger.TransactionID) (bool, error) {
	err := s.rdb.Get(ctx, s.key(dir, txID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Seen) MarkSeen(ctx context.Context, dir ledger.Direction, txID ledger.TransactionID) error {
	return s.rdb.Set(ctx, s.key(dir, txID), "1", s.ttl).Err()
}
