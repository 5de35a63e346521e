package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/store"
)

// PlaceStakeRequest is the input of PlaceStake.
type PlaceStakeRequest struct {
	UserID         string
	BetID          string
	OutcomeID      string
	Amount         money.Money
	IdempotencyKey string
}

func (r PlaceStakeRequest) params() stake.Params {
	return stake.Params{
		UserID:         r.UserID,
		BetID:          r.BetID,
		OutcomeID:      r.OutcomeID,
		Amount:         r.Amount,
		IdempotencyKey: r.IdempotencyKey,
	}
}

// PlaceStake locks the stake amount in the user's wallet and records it
// on the chosen outcome.
//
// The idempotency key is checked inside the transaction: a repeat with the
// same arguments returns the original stake and moves no funds, a repeat
// with different arguments is rejected.
func (c *Coordinator) PlaceStake(ctx context.Context, req PlaceStakeRequest) (placed *stake.Stake, err error) {
	defer c.observe("place_stake", time.Now(), &err)

	now := c.now()
	s, err := stake.New(req.params(), now)
	if err != nil {
		return nil, err
	}

	l := c.leases(c.timeouts.StakeLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "wallet", lock.WalletKey(req.UserID)); err != nil {
		return nil, err
	}
	if err := l.take(ctx, "bet", lock.BetKey(req.BetID)); err != nil {
		return nil, err
	}

	// The user's other stakes cannot change while the wallet lock is held,
	// so exposure is read before the transaction.
	var exposure []limits.Exposure
	if c.limiter != nil {
		if exposure, err = c.exposure(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	var (
		replayed bool
		category string
		entry    ledger.Entry
	)
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		prev, err := tx.GetStakeByKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if !prev.Matches(req.params()) {
				return fmt.Errorf("%w: idempotency key %q was used for a different stake", apperr.ErrBusinessRule, req.IdempotencyKey)
			}
			s, replayed = prev, true
			return nil
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		w, err := tx.GetWallet(ctx, req.UserID)
		if err != nil {
			return err
		}
		b, err := tx.GetBet(ctx, req.BetID)
		if err != nil {
			return err
		}
		outcome, err := b.Outcome(req.OutcomeID)
		if err != nil {
			return err
		}
		if !b.IsOpen(now) {
			return fmt.Errorf("%w: bet %s is %s and not accepting stakes", apperr.ErrInvalidTransition, b.ID, b.Status)
		}
		if err := c.limiter.CheckLimit(b.ID, b.Category, req.Amount, exposure); err != nil {
			return err
		}
		if !w.CanAfford(req.Amount) {
			return fmt.Errorf("%w: available %s, stake %s", apperr.ErrInsufficientFunds, w.Available(), req.Amount)
		}

		if estimate, err := c.payout.Estimate(req.Amount, outcome.TotalStaked, b.TotalStaked); err == nil {
			s.SetPotentialPayout(estimate)
		}

		if err := tx.InsertStake(ctx, s); err != nil {
			return err
		}
		entry, err = post(ctx, tx, w, ledger.Params{
			Kind:           ledger.KindStakeLocked,
			Amount:         req.Amount,
			Description:    "Stake on " + b.Title,
			BetID:          b.ID,
			StakeID:        s.ID,
			IdempotencyKey: "lock:" + s.ID,
			Metadata:       map[string]string{"outcome_id": outcome.ID},
		}, now)
		if err != nil {
			return err
		}
		if err := b.AddStake(req.Amount, now); err != nil {
			return err
		}
		outcome.RecordStake(req.Amount)

		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.UpdateBet(ctx, b); err != nil {
			return err
		}
		category = b.Category
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.release(ctx)
	if replayed {
		return s, nil
	}

	metrics.StakesPlaced.WithLabelValues(category).Inc()
	metrics.StakeVolume.WithLabelValues(category).Add(req.Amount.Decimal().InexactFloat64())
	c.log.Info("stake placed",
		zap.String("stake_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("bet_id", s.BetID),
		zap.String("outcome_id", s.OutcomeID),
		zap.Stringer("amount", s.Amount),
		zap.Int64("seq", entry.Seq),
	)
	ev := events.New(events.StakePlaced, now, s)
	ev.UserID, ev.BetID, ev.StakeID = s.UserID, s.BetID, s.ID
	c.publish(ctx, ev)
	return s, nil
}

// exposure returns the user's active stakes with the category of each bet.
func (c *Coordinator) exposure(ctx context.Context, userID string) ([]limits.Exposure, error) {
	stakes, err := c.store.ListStakesByUser(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	categories := make(map[string]string)
	var out []limits.Exposure
	for _, s := range stakes {
		if s.Status != stake.StatusActive {
			continue
		}
		cat, ok := categories[s.BetID]
		if !ok {
			b, err := c.store.GetBet(ctx, s.BetID)
			if err != nil {
				return nil, classify(err)
			}
			cat = b.Category
			categories[s.BetID] = cat
		}
		out = append(out, limits.Exposure{BetID: s.BetID, Category: cat, Amount: s.Amount})
	}
	return out, nil
}

// BetStakes returns a bet's stakes oldest first.
func (c *Coordinator) BetStakes(ctx context.Context, betID string) ([]*stake.Stake, error) {
	if _, err := c.store.GetBet(ctx, betID); err != nil {
		return nil, classify(err)
	}
	stakes, err := c.store.ListStakesByBet(ctx, betID)
	return stakes, classify(err)
}

