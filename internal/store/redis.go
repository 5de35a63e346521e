package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/bet"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for bet detail reads. Transactions go to the primary; bets a
// transaction created or updated are invalidated once it commits.
//
// Reads inside a transaction always hit the primary, so the coordinator
// never decides on cached state.
type CachedStore struct {
	Store
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBet(ctx context.Context, id string) (*bet.Bet, error) {
	data, err := s.rdb.Get(ctx, betKey(id)).Bytes()
	if err == nil {
		var b bet.Bet
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.Store.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheBet(ctx, b)
	return b, nil
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		touched = touched[:0]
		return fn(ctx, &trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		keys := make([]string, len(touched))
		for i, id := range touched {
			keys[i] = betKey(id)
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// trackingTx records the ids of bets written through it.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) CreateBet(ctx context.Context, b *bet.Bet) error {
	if err := t.Tx.CreateBet(ctx, b); err != nil {
		return err
	}
	*t.touched = append(*t.touched, b.ID)
	return nil
}

func (t *trackingTx) UpdateBet(ctx context.Context, b *bet.Bet) error {
	if err := t.Tx.UpdateBet(ctx, b); err != nil {
		return err
	}
	*t.touched = append(*t.touched, b.ID)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheBet(ctx context.Context, b *bet.Bet) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, betKey(b.ID), data, s.ttl)
	}
}

func betKey(id string) string { return fmt.Sprintf("cache:bet:%s", id) }
