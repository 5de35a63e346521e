// Package ledger defines the append-only record of monetary movements.
// Every change to a wallet balance is paired with exactly one Entry; the
// cached wallet balances can always be rebuilt by folding a wallet's
// entries in Seq order.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

// Kind identifies the kind of monetary movement an Entry records.
type Kind string

const (
	// KindDeposit credits available funds.
	KindDeposit Kind = "DEPOSIT"
	// KindStakeLocked moves funds from available to locked.
	KindStakeLocked Kind = "STAKE_LOCKED"
	// KindStakeRefund moves funds from locked back to available.
	KindStakeRefund Kind = "STAKE_REFUND"
	// KindStakeForfeit removes a losing stake's principal from locked.
	KindStakeForfeit Kind = "STAKE_FORFEIT"
	// KindWinPayout releases the stake principal from locked and credits
	// the full payout (principal + winnings) to available.
	KindWinPayout Kind = "WIN_PAYOUT"
	// KindPlatformFee debits available funds.
	KindPlatformFee Kind = "PLATFORM_FEE"
	// KindWithdrawal debits available funds.
	KindWithdrawal Kind = "WITHDRAWAL"
)

var validKinds = map[Kind]bool{
	KindDeposit:      true,
	KindStakeLocked:  true,
	KindStakeRefund:  true,
	KindStakeForfeit: true,
	KindWinPayout:    true,
	KindPlatformFee:  true,
	KindWithdrawal:   true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Entry is an immutable record of one monetary movement against a wallet.
// Once created, entries are never modified or deleted.
type Entry struct {
	ID       string `json:"id"`
	Seq      int64  `json:"seq"` // assigned by the store on insert
	WalletID string `json:"wallet_id"`
	UserID   string `json:"user_id"`
	Kind     Kind   `json:"kind"`

	Amount money.Money `json:"amount"`
	// Released is the locked principal a WIN_PAYOUT releases. Zero for
	// every other kind.
	Released money.Money `json:"released"`

	Description    string            `json:"description"`
	CreatedAt      time.Time         `json:"created_at"`
	BetID          string            `json:"bet_id,omitempty"`
	StakeID        string            `json:"stake_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Params holds the inputs of New. Optional fields may be left empty.
type Params struct {
	WalletID       string
	UserID         string
	Kind           Kind
	Amount         money.Money
	Released       money.Money
	Description    string
	BetID          string
	StakeID        string
	IdempotencyKey string
	Metadata       map[string]string
}

// New validates p and produces a new Entry. It has no side effects;
// persistence and key uniqueness are enforced by the store.
func New(p Params, now time.Time) (Entry, error) {
	switch {
	case p.WalletID == "":
		return Entry{}, fmt.Errorf("%w: ledger entry requires a wallet id", apperr.ErrValidation)
	case p.UserID == "":
		return Entry{}, fmt.Errorf("%w: ledger entry requires a user id", apperr.ErrValidation)
	case !p.Kind.Valid():
		return Entry{}, fmt.Errorf("%w: unknown ledger entry kind %q", apperr.ErrValidation, p.Kind)
	case !p.Amount.IsPositive():
		return Entry{}, fmt.Errorf("%w: ledger entry amount must be positive", apperr.ErrValidation)
	case strings.TrimSpace(p.Description) == "":
		return Entry{}, fmt.Errorf("%w: ledger entry requires a description", apperr.ErrValidation)
	}
	if p.Kind != KindWinPayout && !p.Released.IsZero() {
		return Entry{}, fmt.Errorf("%w: only %s entries release locked funds", apperr.ErrValidation, KindWinPayout)
	}

	var meta map[string]string
	if len(p.Metadata) > 0 {
		meta = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = v
		}
	}

	return Entry{
		ID:             uuid.New().String(),
		WalletID:       p.WalletID,
		UserID:         p.UserID,
		Kind:           p.Kind,
		Amount:         p.Amount,
		Released:       p.Released,
		Description:    p.Description,
		CreatedAt:      now.UTC(),
		BetID:          p.BetID,
		StakeID:        p.StakeID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       meta,
	}, nil
}

// TotalDelta splits the change this entry applies to a wallet's total
// balance (available + locked) into what it adds and what it removes.
// STAKE_LOCKED and STAKE_REFUND only move funds between the two buckets.
func (e Entry) TotalDelta() (credit, debit money.Money) {
	switch e.Kind {
	case KindDeposit:
		return e.Amount, money.Zero()
	case KindWinPayout:
		return e.Amount, e.Released
	case KindStakeForfeit, KindPlatformFee, KindWithdrawal:
		return money.Zero(), e.Amount
	default:
		return money.Zero(), money.Zero()
	}
}
