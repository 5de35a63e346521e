package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// Ledger key prefixes. User supplied keys are namespaced per operation so
// a deposit key can never collide with a withdrawal key or a key the
// engine derives for settlement entries.
const (
	depositKeyPrefix    = "deposit:"
	withdrawalKeyPrefix = "withdrawal:"
)

// ProvisionWallet returns the user's wallet, creating an empty one on first
// call.
func (c *Coordinator) ProvisionWallet(ctx context.Context, userID string) (view wallet.View, err error) {
	defer c.observe("provision_wallet", time.Now(), &err)

	if strings.TrimSpace(userID) == "" {
		return wallet.View{}, fmt.Errorf("%w: user id is required", apperr.ErrValidation)
	}

	l := c.leases(c.timeouts.StakeLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "wallet", lock.WalletKey(userID)); err != nil {
		return wallet.View{}, err
	}

	now := c.now()
	created := false
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err == nil {
			view = w.View()
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if w, err = wallet.New(userID, now); err != nil {
			return err
		}
		if err := tx.CreateWallet(ctx, w); err != nil {
			return err
		}
		view, created = w.View(), true
		return nil
	})
	if err != nil {
		return wallet.View{}, err
	}
	l.release(ctx)

	if created {
		c.log.Info("wallet provisioned", zap.String("user_id", userID), zap.String("wallet_id", view.WalletID))
		ev := events.New(events.WalletProvisioned, now, view)
		ev.UserID = userID
		c.publish(ctx, ev)
	}
	return view, nil
}

// Deposit credits amount to the user's available funds. Replaying the same
// key with the same user and amount returns the current wallet without a
// second credit.
func (c *Coordinator) Deposit(ctx context.Context, userID string, amount money.Money, key string) (view wallet.View, err error) {
	defer c.observe("deposit", time.Now(), &err)
	return c.transfer(ctx, ledger.KindDeposit, userID, amount, key)
}

// Withdraw debits amount from the user's available funds. Locked funds are
// never withdrawable.
func (c *Coordinator) Withdraw(ctx context.Context, userID string, amount money.Money, key string) (view wallet.View, err error) {
	defer c.observe("withdraw", time.Now(), &err)
	return c.transfer(ctx, ledger.KindWithdrawal, userID, amount, key)
}

func (c *Coordinator) transfer(ctx context.Context, kind ledger.Kind, userID string, amount money.Money, key string) (wallet.View, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return wallet.View{}, fmt.Errorf("%w: user id is required", apperr.ErrValidation)
	case !amount.IsPositive():
		return wallet.View{}, fmt.Errorf("%w: amount must be positive, got %s", apperr.ErrValidation, amount)
	case strings.TrimSpace(key) == "":
		return wallet.View{}, fmt.Errorf("%w: idempotency key is required", apperr.ErrValidation)
	}

	prefix, description, evType := depositKeyPrefix, "Deposit", events.WalletDeposited
	if kind == ledger.KindWithdrawal {
		prefix, description, evType = withdrawalKeyPrefix, "Withdrawal", events.WalletWithdrawn
	}

	l := c.leases(c.timeouts.StakeLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "wallet", lock.WalletKey(userID)); err != nil {
		return wallet.View{}, err
	}

	now := c.now()
	var (
		view     wallet.View
		entry    ledger.Entry
		replayed bool
	)
	err := c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			return err
		}

		prev, err := tx.GetLedgerEntryByKey(ctx, prefix+key)
		switch {
		case err == nil:
			if prev.UserID != userID || prev.Kind != kind || !prev.Amount.Equal(amount) {
				return fmt.Errorf("%w: idempotency key %q was used for a different %s", apperr.ErrBusinessRule, key, strings.ToLower(string(kind)))
			}
			view, replayed = w.View(), true
			return nil
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		entry, err = post(ctx, tx, w, ledger.Params{
			Kind:           kind,
			Amount:         amount,
			Description:    description,
			IdempotencyKey: prefix + key,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		view = w.View()
		return nil
	})
	if err != nil {
		return wallet.View{}, err
	}
	l.release(ctx)

	if !replayed {
		c.log.Info("wallet funds moved",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Stringer("amount", amount),
			zap.Int64("seq", entry.Seq),
		)
		ev := events.New(evType, now, entry)
		ev.UserID = userID
		c.publish(ctx, ev)
	}
	return view, nil
}

// ReconcileWallet folds the user's ledger and compares the result with the
// cached balances. A mismatch is reported as a business rule violation and
// counted; balances are left as they are for an operator to inspect.
func (c *Coordinator) ReconcileWallet(ctx context.Context, userID string) (view wallet.View, err error) {
	defer c.observe("reconcile_wallet", time.Now(), &err)

	l := c.leases(c.timeouts.StakeLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "wallet", lock.WalletKey(userID)); err != nil {
		return wallet.View{}, err
	}

	w, err := c.store.GetWallet(ctx, userID)
	if err != nil {
		return wallet.View{}, classify(err)
	}
	entries, err := c.store.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return wallet.View{}, classify(err)
	}

	folded, err := wallet.Replay(w.ID, userID, entries)
	if err != nil {
		metrics.ReconcileMismatches.Inc()
		return w.View(), fmt.Errorf("%w: ledger of user %s does not replay: %v", apperr.ErrBusinessRule, userID, err)
	}
	if !folded.Available().Equal(w.Available()) || !folded.Locked().Equal(w.Locked()) {
		metrics.ReconcileMismatches.Inc()
		c.log.Error("wallet diverged from ledger",
			zap.String("user_id", userID),
			zap.Stringer("available", w.Available()),
			zap.Stringer("ledger_available", folded.Available()),
			zap.Stringer("locked", w.Locked()),
			zap.Stringer("ledger_locked", folded.Locked()),
		)
		return w.View(), fmt.Errorf("%w: wallet of user %s holds %s/%s, ledger folds to %s/%s",
			apperr.ErrBusinessRule, userID, w.Available(), w.Locked(), folded.Available(), folded.Locked())
	}
	return w.View(), nil
}

// ReconcileAll reconciles every wallet and returns how many were checked.
// Individual failures are joined.
func (c *Coordinator) ReconcileAll(ctx context.Context) (int, error) {
	wallets, err := c.store.ListWallets(ctx)
	if err != nil {
		return 0, classify(err)
	}
	var errs []error
	for _, w := range wallets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := c.ReconcileWallet(ctx, w.UserID); err != nil {
			errs = append(errs, err)
		}
	}
	return len(wallets), errors.Join(errs...)
}

// --- read views ---

// Wallet returns the user's balances.
func (c *Coordinator) Wallet(ctx context.Context, userID string) (wallet.View, error) {
	w, err := c.store.GetWallet(ctx, userID)
	if err != nil {
		return wallet.View{}, classify(err)
	}
	return w.View(), nil
}

// LedgerHistory returns the user's ledger entries in sequence order.
func (c *Coordinator) LedgerHistory(ctx context.Context, userID string) ([]ledger.Entry, error) {
	if _, err := c.store.GetWallet(ctx, userID); err != nil {
		return nil, classify(err)
	}
	entries, err := c.store.GetLedgerEntriesByUser(ctx, userID)
	return entries, classify(err)
}

// StakeHistory returns the user's stakes newest first.
func (c *Coordinator) StakeHistory(ctx context.Context, userID string) ([]*stake.Stake, error) {
	stakes, err := c.store.ListStakesByUser(ctx, userID)
	return stakes, classify(err)
}
