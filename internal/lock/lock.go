// Package lock provides the keyed mutual exclusion used to serialize
// mutations of one wallet or one bet across requests and processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when a lock could not be obtained before the
// wait budget or the context deadline ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

// retryInterval is the polling period while waiting on a held key.
const retryInterval = 10 * time.Millisecond

// Lease is a held lock. Token distinguishes this holder from a later one
// that acquires the key after the TTL lapsed.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker acquires and releases keyed leases.
type Locker interface {
	// Acquire blocks until key is free, wait elapses, or ctx ends. The lease
	// expires after ttl if never released.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error)
	// Release frees the lease if it is still the current holder.
	Release(ctx context.Context, l *Lease) error
}

// WalletKey is the lock key guarding a user's wallet.
func WalletKey(userID string) string { return "wallet:" + userID }

// BetKey is the lock key guarding a bet's status and outcome totals.
func BetKey(betID string) string { return "bet:" + betID }

// ResolutionKey is the lock key serializing resolution and cancellation of
// a bet.
func ResolutionKey(betID string) string { return "resolution:" + betID }

func newToken() string {
	return uuid.New().String()
}

// poll calls try until it succeeds, wait elapses, or ctx ends.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrNotAcquired
		case <-ticker.C:
		}
	}
}
