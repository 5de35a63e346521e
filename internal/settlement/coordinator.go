// Package settlement coordinates every money-moving operation of the engine.
//
// Each command follows the same discipline: validate input, take the
// distributed locks it needs in a fixed order (resolution, wallets sorted
// by user id, bet), run all reads and writes in one store transaction,
// commit, release the locks, then publish events for what was committed.
// A failure at any step before commit leaves storage untouched.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/payout"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// Timeouts bounds lock lifetimes and waits.
type Timeouts struct {
	// StakeLockTTL is the lease lifetime of wallet and bet locks taken by
	// placements, deposits, withdrawals and bet lifecycle changes.
	StakeLockTTL time.Duration
	// ResolutionLockTTL is the lease lifetime of every lock taken while
	// resolving or cancelling a bet.
	ResolutionLockTTL time.Duration
	// LockWaitTimeout caps how long one acquisition may wait. A shorter
	// context deadline wins.
	LockWaitTimeout time.Duration
}

// DefaultTimeouts returns the production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StakeLockTTL:      10 * time.Second,
		ResolutionLockTTL: 2 * time.Minute,
		LockWaitTimeout:   5 * time.Second,
	}
}

// Coordinator runs settlement commands against a store under locks.
type Coordinator struct {
	store     store.Store
	locks     lock.Locker
	payout    *payout.PariMutuel
	limiter   *limits.StakeLimiter
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
	timeouts  Timeouts
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPayout sets the payout policy. The default charges no fee.
func WithPayout(p *payout.PariMutuel) Option {
	return func(c *Coordinator) { c.payout = p }
}

// WithLimiter enables exposure limits on placements.
func WithLimiter(l *limits.StakeLimiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithPublisher sets where committed events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithTimeouts(t Timeouts) Option {
	return func(c *Coordinator) { c.timeouts = t }
}

// New creates a Coordinator.
func New(st store.Store, locks lock.Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		locks:     locks,
		publisher: events.Nop{},
		log:       zap.NewNop(),
		now:       time.Now,
		timeouts:  DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.payout == nil {
		c.payout = zeroFee()
	}
	return c
}

func zeroFee() *payout.PariMutuel {
	p, _ := payout.NewPariMutuel(decimal.Zero)
	return p
}

// --- locking ---

// leases tracks the locks one command holds. release frees them in reverse
// acquisition order; calling it again is a no-op. Commands release right
// after commit so event delivery never extends a lock hold.
type leases struct {
	c    *Coordinator
	ttl  time.Duration
	held []*lock.Lease
}

func (c *Coordinator) leases(ttl time.Duration) *leases {
	return &leases{c: c, ttl: ttl}
}

func (l *leases) take(ctx context.Context, scope, key string) error {
	wait := l.c.timeouts.LockWaitTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < wait {
			wait = rem
		}
	}
	if wait <= 0 {
		metrics.LockFailures.WithLabelValues(scope).Inc()
		return fmt.Errorf("%w: no time left to acquire %s", apperr.ErrConcurrency, key)
	}

	start := time.Now()
	lease, err := l.c.locks.Acquire(ctx, key, l.ttl, wait)
	metrics.LockWait.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LockFailures.WithLabelValues(scope).Inc()
		return fmt.Errorf("%w: acquire %s: %v", apperr.ErrConcurrency, key, err)
	}
	l.held = append(l.held, lease)
	return nil
}

// takeWallets locks the wallets of userIDs in ascending user id order.
func (l *leases) takeWallets(ctx context.Context, userIDs []string) error {
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)
	for i, u := range sorted {
		if i > 0 && u == sorted[i-1] {
			continue
		}
		if err := l.take(ctx, "wallet", lock.WalletKey(u)); err != nil {
			return err
		}
	}
	return nil
}

func (l *leases) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(l.held) - 1; i >= 0; i-- {
		if err := l.c.locks.Release(ctx, l.held[i]); err != nil {
			l.c.log.Warn("lock release failed", zap.String("key", l.held[i].Key), zap.Error(err))
		}
	}
	l.held = nil
}

// --- transactions ---

// withinTx runs fn in a store transaction and classifies the failure.
func (c *Coordinator) withinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return classify(c.store.WithinTx(ctx, fn))
}

// classify maps storage failures onto the error taxonomy. Domain errors
// pass through; a unique key collision is a rule breach; anything else is
// treated as a transient conflict the caller may retry.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.Classified(err):
		return err
	case errors.Is(err, store.ErrDuplicateKey):
		return fmt.Errorf("%w: %v", apperr.ErrBusinessRule, err)
	default:
		return fmt.Errorf("%w: %v", apperr.ErrConcurrency, err)
	}
}

// post creates an entry, applies it to w and appends it to the ledger.
// The caller persists w.
func post(ctx context.Context, tx store.Tx, w *wallet.Wallet, p ledger.Params, now time.Time) (ledger.Entry, error) {
	p.WalletID = w.ID
	p.UserID = w.UserID
	e, err := ledger.New(p, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := w.Apply(e); err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.InsertLedgerEntry(ctx, &e); err != nil {
		return ledger.Entry{}, err
	}
	return e, nil
}

// --- instrumentation ---

// observe records latency and error kind of op. Use with a named error
// return: defer c.observe("op", time.Now(), &err).
func (c *Coordinator) observe(op string, start time.Time, errp *error) {
	var kind string
	if err := *errp; err != nil {
		kind = string(apperr.KindOf(err))
		c.log.Debug("operation failed", zap.String("operation", op), zap.String("kind", kind), zap.Error(err))
	}
	metrics.ObserveOperation(op, start, kind)
}

// publish delivers committed events. Failures are logged and counted,
// never returned.
func (c *Coordinator) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), evs...); err != nil {
		metrics.EventPublishFailures.Inc()
		c.log.Warn("event publish failed", zap.Int("events", len(evs)), zap.Error(err))
	}
}
