// Package wallet implements the per-user balance aggregate. Balances are a
// cache of the ledger: they change only through the Record* operations,
// each of which corresponds to one ledger.Kind, and Replay rebuilds them
// from the entries alone.
package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/money"
)

// Wallet holds one user's available and locked funds.
// Invariant: available >= 0 and locked >= 0 at all times.
type Wallet struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt *time.Time

	available money.Money
	locked    money.Money
}

// New provisions an empty wallet for userID.
func New(userID string, now time.Time) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: wallet requires a user id", apperr.ErrValidation)
	}
	return &Wallet{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now.UTC(),
	}, nil
}

// Restore rehydrates a wallet from storage.
func Restore(id, userID string, available, locked money.Money, createdAt time.Time, updatedAt *time.Time) *Wallet {
	return &Wallet{
		ID:        id,
		UserID:    userID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		available: available,
		locked:    locked,
	}
}

func (w *Wallet) Available() money.Money { return w.available }
func (w *Wallet) Locked() money.Money    { return w.locked }

// Total returns available + locked.
func (w *Wallet) Total() money.Money {
	return w.available.Add(w.locked)
}

// CanAfford reports whether available funds cover amount.
func (w *Wallet) CanAfford(amount money.Money) bool {
	return w.available.GreaterThanOrEqual(amount)
}

// RecordDeposit credits amount to available.
func (w *Wallet) RecordDeposit(amount money.Money) error {
	w.available = w.available.Add(amount)
	return nil
}

// RecordStakeLocked moves amount from available to locked.
func (w *Wallet) RecordStakeLocked(amount money.Money) error {
	avail, err := w.available.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: available %s cannot cover stake %s", apperr.ErrInsufficientFunds, w.available, amount)
	}
	w.available = avail
	w.locked = w.locked.Add(amount)
	return nil
}

// RecordStakeRefund moves amount from locked back to available. Locked
// funds below amount mean the cache diverged from the ledger.
func (w *Wallet) RecordStakeRefund(amount money.Money) error {
	locked, err := w.locked.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: locked %s cannot cover refund %s", apperr.ErrConcurrency, w.locked, amount)
	}
	w.locked = locked
	w.available = w.available.Add(amount)
	return nil
}

// RecordStakeForfeit removes a losing stake's principal from locked.
func (w *Wallet) RecordStakeForfeit(amount money.Money) error {
	locked, err := w.locked.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: locked %s cannot cover forfeit %s", apperr.ErrConcurrency, w.locked, amount)
	}
	w.locked = locked
	return nil
}

// RecordWinPayout releases the settled stake's principal from locked and
// credits the full payout (principal + winnings) to available.
func (w *Wallet) RecordWinPayout(payout, released money.Money) error {
	locked, err := w.locked.Sub(released)
	if err != nil {
		return fmt.Errorf("%w: locked %s cannot release principal %s", apperr.ErrConcurrency, w.locked, released)
	}
	w.locked = locked
	w.available = w.available.Add(payout)
	return nil
}

// RecordPlatformFee debits fee from available.
func (w *Wallet) RecordPlatformFee(fee money.Money) error {
	avail, err := w.available.Sub(fee)
	if err != nil {
		return fmt.Errorf("%w: available %s cannot cover fee %s", apperr.ErrInsufficientFunds, w.available, fee)
	}
	w.available = avail
	return nil
}

// RecordWithdrawal debits amount from available.
func (w *Wallet) RecordWithdrawal(amount money.Money) error {
	avail, err := w.available.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: available %s cannot cover withdrawal %s", apperr.ErrInsufficientFunds, w.available, amount)
	}
	w.available = avail
	return nil
}

// Apply routes a ledger entry to the matching Record* operation and stamps
// UpdatedAt with the entry's creation time. Balances are untouched on error.
func (w *Wallet) Apply(e ledger.Entry) error {
	if e.WalletID != w.ID {
		return fmt.Errorf("%w: entry %s belongs to wallet %s, not %s", apperr.ErrBusinessRule, e.ID, e.WalletID, w.ID)
	}

	var err error
	switch e.Kind {
	case ledger.KindDeposit:
		err = w.RecordDeposit(e.Amount)
	case ledger.KindStakeLocked:
		err = w.RecordStakeLocked(e.Amount)
	case ledger.KindStakeRefund:
		err = w.RecordStakeRefund(e.Amount)
	case ledger.KindStakeForfeit:
		err = w.RecordStakeForfeit(e.Amount)
	case ledger.KindWinPayout:
		err = w.RecordWinPayout(e.Amount, e.Released)
	case ledger.KindPlatformFee:
		err = w.RecordPlatformFee(e.Amount)
	case ledger.KindWithdrawal:
		err = w.RecordWithdrawal(e.Amount)
	default:
		err = fmt.Errorf("%w: unknown ledger entry kind %q", apperr.ErrValidation, e.Kind)
	}
	if err != nil {
		return err
	}

	at := e.CreatedAt
	w.UpdatedAt = &at
	return nil
}

// Replay folds entries, in the order given, into a fresh wallet with the
// given identity. Entries must be in Seq order.
func Replay(id, userID string, entries []ledger.Entry) (*Wallet, error) {
	w := &Wallet{ID: id, UserID: userID}
	for _, e := range entries {
		if err := w.Apply(e); err != nil {
			return nil, fmt.Errorf("replay entry %d (%s): %w", e.Seq, e.ID, err)
		}
	}
	return w, nil
}

// View is the read-only projection of a wallet exposed to callers.
type View struct {
	WalletID  string      `json:"wallet_id"`
	UserID    string      `json:"user_id"`
	Available money.Money `json:"available"`
	Locked    money.Money `json:"locked"`
	Total     money.Money `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt *time.Time  `json:"updated_at,omitempty"`
}

// View returns the projection of w.
func (w *Wallet) View() View {
	return View{
		WalletID:  w.ID,
		UserID:    w.UserID,
		Available: w.available,
		Locked:    w.locked,
		Total:     w.Total(),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}
