// Package store defines the persistence boundary of the settlement engine.
// Implementations include PostgreSQL (source of truth), in-memory (tests and
// development), and a Redis read-through cache for bet detail reads.
//
// Every mutation happens inside WithinTx: either all writes of the callback
// commit together or none do. The ledger is append-only; there is no
// method to update or delete an entry.
package store

import (
	"context"
	"errors"

	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// ErrDuplicateKey is returned when a write collides with a unique
// constraint: a ledger or stake idempotency key, a bet resolution key, or a
// second wallet for the same user.
var ErrDuplicateKey = errors.New("store: duplicate key")

// Reader is the read side shared by the store and its transactions.
// Lookups of a missing row wrap apperr.ErrNotFound.
type Reader interface {
	// GetWallet returns the wallet owned by userID.
	GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error)

	// ListWallets returns every wallet ordered by user id.
	ListWallets(ctx context.Context) ([]*wallet.Wallet, error)

	// GetLedgerEntriesByUser returns the user's entries in Seq order.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]ledger.Entry, error)

	// GetLedgerEntriesByBet returns the entries related to a bet in Seq order.
	GetLedgerEntriesByBet(ctx context.Context, betID string) ([]ledger.Entry, error)

	// GetLedgerEntryByKey returns the entry carrying an idempotency key.
	GetLedgerEntryByKey(ctx context.Context, key string) (ledger.Entry, error)

	// GetBet returns a bet with its outcomes.
	GetBet(ctx context.Context, id string) (*bet.Bet, error)

	// ListBets returns bets newest first. An empty status lists all.
	ListBets(ctx context.Context, status bet.Status) ([]*bet.Bet, error)

	// GetStakeByKey returns the stake a placement key produced.
	GetStakeByKey(ctx context.Context, key string) (*stake.Stake, error)

	// ListStakesByBet returns a bet's stakes oldest first.
	ListStakesByBet(ctx context.Context, betID string) ([]*stake.Stake, error)

	// ListStakesByUser returns a user's stakes newest first.
	ListStakesByUser(ctx context.Context, userID string) ([]*stake.Stake, error)
}

// Tx is one atomic unit of work. Reads inside a transaction see its own
// writes; in PostgreSQL wallet and bet reads take row locks.
type Tx interface {
	Reader

	CreateWallet(ctx context.Context, w *wallet.Wallet) error
	UpdateWallet(ctx context.Context, w *wallet.Wallet) error

	// InsertLedgerEntry appends e and assigns e.Seq.
	InsertLedgerEntry(ctx context.Context, e *ledger.Entry) error

	CreateBet(ctx context.Context, b *bet.Bet) error

	// UpdateBet persists status, resolution fields and stake totals of the
	// bet and its outcomes. The outcome set itself never changes.
	UpdateBet(ctx context.Context, b *bet.Bet) error

	InsertStake(ctx context.Context, s *stake.Stake) error
	UpdateStake(ctx context.Context, s *stake.Stake) error
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	Reader

	// WithinTx runs fn in a transaction, committing if fn returns nil and
	// rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
