package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// ResolveBetRequest is the input of ResolveBet.
type ResolveBetRequest struct {
	BetID            string
	WinningOutcomeID string
	Notes            string
	IdempotencyKey   string
}

// CancelBetRequest is the input of CancelBet.
type CancelBetRequest struct {
	BetID  string
	Reason string
}

// Settlement results recorded per stake.
const (
	resultWon      = "won"
	resultLost     = "lost"
	resultRefunded = "refunded"
)

// StakeSettlement is the payload of a stake.settled event.
type StakeSettlement struct {
	StakeID string       `json:"stake_id"`
	UserID  string       `json:"user_id"`
	Result  string       `json:"result"`
	Amount  money.Money  `json:"stake_amount"`
	Payout  *money.Money `json:"payout,omitempty"`
	Fee     *money.Money `json:"fee,omitempty"`
}

// CreateBet provisions a Draft bet with its outcomes.
func (c *Coordinator) CreateBet(ctx context.Context, p bet.Params) (created *bet.Bet, err error) {
	defer c.observe("create_bet", time.Now(), &err)

	now := c.now()
	b, err := bet.New(p, now)
	if err != nil {
		return nil, err
	}
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateBet(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("bet created", zap.String("bet_id", b.ID), zap.String("category", b.Category), zap.Int("outcomes", len(b.Outcomes)))
	ev := events.New(events.BetCreated, now, b)
	ev.BetID = b.ID
	c.publish(ctx, ev)
	return b, nil
}

// OpenBet starts accepting stakes on a Draft bet.
func (c *Coordinator) OpenBet(ctx context.Context, betID string) (b *bet.Bet, err error) {
	defer c.observe("open_bet", time.Now(), &err)
	return c.lifecycle(ctx, betID, events.BetOpened, (*bet.Bet).Open)
}

// CloseBet stops accepting stakes once the closing time has passed.
func (c *Coordinator) CloseBet(ctx context.Context, betID string) (b *bet.Bet, err error) {
	defer c.observe("close_bet", time.Now(), &err)
	return c.lifecycle(ctx, betID, events.BetClosed, (*bet.Bet).Close)
}

// lifecycle applies a status change that moves no funds under the bet lock.
func (c *Coordinator) lifecycle(ctx context.Context, betID string, evType events.Type, step func(*bet.Bet, time.Time) error) (*bet.Bet, error) {
	if strings.TrimSpace(betID) == "" {
		return nil, fmt.Errorf("%w: bet id is required", apperr.ErrValidation)
	}

	l := c.leases(c.timeouts.StakeLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "bet", lock.BetKey(betID)); err != nil {
		return nil, err
	}

	now := c.now()
	var (
		b    *bet.Bet
		from bet.Status
	)
	err := c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if b, err = tx.GetBet(ctx, betID); err != nil {
			return err
		}
		from = b.Status
		if err := step(b, now); err != nil {
			return err
		}
		return tx.UpdateBet(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	l.release(ctx)
	trackOpenBets(from, b.Status)

	c.log.Info("bet status changed", zap.String("bet_id", b.ID), zap.String("status", string(b.Status)))
	ev := events.New(evType, now, b)
	ev.BetID = b.ID
	c.publish(ctx, ev)
	return b, nil
}

// CloseExpiredBets closes every Open bet whose closing time has passed and
// returns how many it closed. Failures on individual bets are joined and do
// not stop the sweep.
func (c *Coordinator) CloseExpiredBets(ctx context.Context) (int, error) {
	open, err := c.store.ListBets(ctx, bet.StatusOpen)
	if err != nil {
		return 0, classify(err)
	}

	now := c.now()
	closed := 0
	var errs []error
	for _, b := range open {
		if now.Before(b.ClosingTime) {
			continue
		}
		if _, err := c.CloseBet(ctx, b.ID); err != nil {
			errs = append(errs, fmt.Errorf("close bet %s: %w", b.ID, err))
			continue
		}
		closed++
	}
	metrics.OpenBets.Set(float64(len(open) - closed))
	return closed, errors.Join(errs...)
}

// CancelBet cancels a bet that has not been resolved and refunds every
// active stake to its owner. Cancelling an already cancelled bet returns it
// unchanged.
func (c *Coordinator) CancelBet(ctx context.Context, req CancelBetRequest) (cancelled *bet.Bet, err error) {
	defer c.observe("cancel_bet", time.Now(), &err)

	switch {
	case strings.TrimSpace(req.BetID) == "":
		return nil, fmt.Errorf("%w: bet id is required", apperr.ErrValidation)
	case strings.TrimSpace(req.Reason) == "":
		return nil, fmt.Errorf("%w: cancellation reason is required", apperr.ErrValidation)
	}

	l := c.leases(c.timeouts.ResolutionLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "resolution", lock.ResolutionKey(req.BetID)); err != nil {
		return nil, err
	}

	current, err := c.currentBet(ctx, req.BetID)
	if err != nil {
		return nil, err
	}
	if current.Status == bet.StatusCancelled {
		return current, nil
	}
	if current.IsSettled() {
		return nil, fmt.Errorf("%w: bet %s is already %s", apperr.ErrInvalidTransition, current.ID, current.Status)
	}

	users, err := c.lockParticipants(ctx, l, req.BetID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var (
		b       *bet.Bet
		from    bet.Status
		settled []StakeSettlement
	)
	refunded := money.Zero()
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if b, err = tx.GetBet(ctx, req.BetID); err != nil {
			return err
		}
		from = b.Status
		if err := b.Cancel(req.Reason, now); err != nil {
			return err
		}
		stakes, err := participantStakes(ctx, tx, req.BetID, users)
		if err != nil {
			return err
		}
		wallets := newWalletSet(tx)
		for _, s := range stakes {
			res, err := c.refund(ctx, tx, wallets, s, "Refund: bet cancelled", now)
			if err != nil {
				return err
			}
			if res != nil {
				settled = append(settled, *res)
				refunded = refunded.Add(s.Amount)
			}
		}
		if err := wallets.flush(ctx); err != nil {
			return err
		}
		return tx.UpdateBet(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	l.release(ctx)
	trackOpenBets(from, b.Status)

	metrics.StakesSettled.WithLabelValues(resultRefunded).Add(float64(len(settled)))
	c.log.Info("bet cancelled",
		zap.String("bet_id", b.ID),
		zap.String("reason", req.Reason),
		zap.Int("refunds", len(settled)),
		zap.Stringer("refunded", refunded),
	)
	c.publish(ctx, c.settlementEvents(events.BetCancelled, b, settled, now)...)
	return b, nil
}

// ResolveBet declares the winning outcome and settles every stake in one
// transaction: winners are paid from the losing pool, losers forfeit their
// principal. If nobody backed the winning outcome every stake is refunded.
// The bet ends Paid.
//
// Repeating a completed resolution with the same outcome and key returns
// the bet unchanged.
func (c *Coordinator) ResolveBet(ctx context.Context, req ResolveBetRequest) (resolved *bet.Bet, err error) {
	defer c.observe("resolve_bet", time.Now(), &err)

	switch {
	case strings.TrimSpace(req.BetID) == "":
		return nil, fmt.Errorf("%w: bet id is required", apperr.ErrValidation)
	case strings.TrimSpace(req.WinningOutcomeID) == "":
		return nil, fmt.Errorf("%w: winning outcome id is required", apperr.ErrValidation)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return nil, fmt.Errorf("%w: idempotency key is required", apperr.ErrValidation)
	}

	l := c.leases(c.timeouts.ResolutionLockTTL)
	defer l.release(ctx)
	if err := l.take(ctx, "resolution", lock.ResolutionKey(req.BetID)); err != nil {
		return nil, err
	}

	now := c.now()
	current, err := c.currentBet(ctx, req.BetID)
	if err != nil {
		return nil, err
	}
	if current.IsSettled() {
		if _, err := current.Resolve(req.WinningOutcomeID, req.Notes, req.IdempotencyKey, now); err != nil {
			return nil, err
		}
		return current, nil
	}
	if current.Status != bet.StatusClosed {
		return nil, fmt.Errorf("%w: bet %s is %s, only closed bets can be resolved", apperr.ErrInvalidTransition, current.ID, current.Status)
	}

	users, err := c.lockParticipants(ctx, l, req.BetID)
	if err != nil {
		return nil, err
	}

	var (
		b        *bet.Bet
		settled  []StakeSettlement
		replayed bool
	)
	paid := money.Zero()
	err = c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if b, err = tx.GetBet(ctx, req.BetID); err != nil {
			return err
		}
		if replayed, err = b.Resolve(req.WinningOutcomeID, req.Notes, req.IdempotencyKey, now); err != nil {
			return err
		}
		if replayed {
			return nil
		}
		if err := b.CheckTotals(); err != nil {
			return err
		}
		stakes, err := participantStakes(ctx, tx, req.BetID, users)
		if err != nil {
			return err
		}

		winner, err := b.Outcome(req.WinningOutcomeID)
		if err != nil {
			return err
		}
		winningPool := winner.TotalStaked
		losingPool, err := b.TotalStaked.Sub(winningPool)
		if err != nil {
			return fmt.Errorf("%w: bet %s outcome total exceeds bet total", apperr.ErrBusinessRule, b.ID)
		}

		wallets := newWalletSet(tx)
		for _, s := range stakes {
			var res *StakeSettlement
			switch {
			case winningPool.IsZero():
				res, err = c.refund(ctx, tx, wallets, s, "Refund: no stake on winning outcome", now)
			case s.OutcomeID == winner.ID:
				res, err = c.payWinner(ctx, tx, wallets, s, b, winningPool, losingPool, now)
			default:
				res, err = c.forfeit(ctx, tx, wallets, s, b, now)
			}
			if err != nil {
				return err
			}
			if res != nil {
				settled = append(settled, *res)
				if res.Result == resultWon {
					paid = paid.Add(*res.Payout)
				}
			}
		}
		if err := wallets.flush(ctx); err != nil {
			return err
		}
		if err := b.MarkPaid(now); err != nil {
			return err
		}
		return tx.UpdateBet(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	l.release(ctx)
	if replayed {
		return b, nil
	}

	for _, s := range settled {
		metrics.StakesSettled.WithLabelValues(s.Result).Inc()
	}
	metrics.PayoutVolume.Add(paid.Decimal().InexactFloat64())
	c.log.Info("bet resolved",
		zap.String("bet_id", b.ID),
		zap.String("winning_outcome_id", b.ResolvedOutcomeID),
		zap.Int("stakes", len(settled)),
		zap.Stringer("paid", paid),
	)
	c.publish(ctx, c.settlementEvents(events.BetResolved, b, settled, now)...)
	return b, nil
}

// Bet returns one bet with its outcomes.
func (c *Coordinator) Bet(ctx context.Context, id string) (*bet.Bet, error) {
	b, err := c.store.GetBet(ctx, id)
	return b, classify(err)
}

// Bets lists bets newest first, optionally filtered by status.
func (c *Coordinator) Bets(ctx context.Context, status bet.Status) ([]*bet.Bet, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown bet status %q", apperr.ErrValidation, status)
	}
	bets, err := c.store.ListBets(ctx, status)
	return bets, classify(err)
}

// --- settlement helpers ---

// trackOpenBets moves the open bets gauge for a committed status change.
// The close sweep resets it to the stored count.
func trackOpenBets(from, to bet.Status) {
	switch {
	case from != bet.StatusOpen && to == bet.StatusOpen:
		metrics.OpenBets.Inc()
	case from == bet.StatusOpen && to != bet.StatusOpen:
		metrics.OpenBets.Dec()
	}
}

// currentBet reads a bet through a transaction so the result comes from the
// primary store, never from a read cache.
func (c *Coordinator) currentBet(ctx context.Context, betID string) (*bet.Bet, error) {
	var b *bet.Bet
	err := c.withinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.GetBet(ctx, betID)
		return err
	})
	return b, err
}

// lockParticipants locks the wallet of every user with a stake on betID,
// then the bet itself, and returns the locked user set. Called with the
// resolution lock held.
func (c *Coordinator) lockParticipants(ctx context.Context, l *leases, betID string) (map[string]bool, error) {
	stakes, err := c.store.ListStakesByBet(ctx, betID)
	if err != nil {
		return nil, classify(err)
	}
	users := make(map[string]bool)
	ids := make([]string, 0, len(stakes))
	for _, s := range stakes {
		if !users[s.UserID] {
			users[s.UserID] = true
			ids = append(ids, s.UserID)
		}
	}
	if err := l.takeWallets(ctx, ids); err != nil {
		return nil, err
	}
	if err := l.take(ctx, "bet", lock.BetKey(betID)); err != nil {
		return nil, err
	}
	return users, nil
}

// participantStakes re-reads the bet's stakes inside the transaction and
// fails if a stake appeared from a user whose wallet is not locked. That
// only happens if a placement slipped in between the first read and the
// bet lock; the caller may retry.
func participantStakes(ctx context.Context, tx store.Tx, betID string, locked map[string]bool) ([]*stake.Stake, error) {
	stakes, err := tx.ListStakesByBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	for _, s := range stakes {
		if !locked[s.UserID] {
			return nil, fmt.Errorf("%w: bet %s gained a participant during settlement", apperr.ErrConcurrency, betID)
		}
	}
	return stakes, nil
}

// walletSet loads each wallet once per transaction and writes every
// touched wallet back on flush.
type walletSet struct {
	tx    store.Tx
	byID  map[string]*wallet.Wallet
	order []string
}

func newWalletSet(tx store.Tx) *walletSet {
	return &walletSet{tx: tx, byID: make(map[string]*wallet.Wallet)}
}

func (ws *walletSet) get(ctx context.Context, userID string) (*wallet.Wallet, error) {
	if w, ok := ws.byID[userID]; ok {
		return w, nil
	}
	w, err := ws.tx.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	ws.byID[userID] = w
	ws.order = append(ws.order, userID)
	return w, nil
}

func (ws *walletSet) flush(ctx context.Context) error {
	for _, u := range ws.order {
		if err := ws.tx.UpdateWallet(ctx, ws.byID[u]); err != nil {
			return err
		}
	}
	return nil
}

// payWinner settles s as a winner. The fee, if any, is its own entry.
func (c *Coordinator) payWinner(ctx context.Context, tx store.Tx, ws *walletSet, s *stake.Stake, b *bet.Bet, winningPool, losingPool money.Money, now time.Time) (*StakeSettlement, error) {
	if s.Status != stake.StatusActive {
		return nil, nil
	}
	res, err := c.payout.Settle(s.Amount, winningPool, losingPool)
	if err != nil {
		return nil, fmt.Errorf("%w: stake %s: %v", apperr.ErrBusinessRule, s.ID, err)
	}
	net, err := res.Payout.Sub(res.Fee)
	if err != nil {
		return nil, fmt.Errorf("%w: stake %s fee exceeds payout", apperr.ErrBusinessRule, s.ID)
	}

	w, err := ws.get(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.MarkAsWon(net, now); err != nil {
		return nil, err
	}
	if _, err := post(ctx, tx, w, ledger.Params{
		Kind:           ledger.KindWinPayout,
		Amount:         res.Payout,
		Released:       s.Amount,
		Description:    "Payout: " + b.Title,
		BetID:          b.ID,
		StakeID:        s.ID,
		IdempotencyKey: "payout:" + s.ID,
		Metadata: map[string]string{
			"winnings":           res.Winnings.String(),
			"winning_outcome_id": b.ResolvedOutcomeID,
		},
	}, now); err != nil {
		return nil, err
	}

	out := &StakeSettlement{StakeID: s.ID, UserID: s.UserID, Result: resultWon, Amount: s.Amount, Payout: &net}
	if res.Fee.IsPositive() {
		if _, err := post(ctx, tx, w, ledger.Params{
			Kind:           ledger.KindPlatformFee,
			Amount:         res.Fee,
			Description:    "Platform fee: " + b.Title,
			BetID:          b.ID,
			StakeID:        s.ID,
			IdempotencyKey: "fee:" + s.ID,
			Metadata:       map[string]string{"fee_rate": c.payout.FeeRate().String()},
		}, now); err != nil {
			return nil, err
		}
		fee := res.Fee
		out.Fee = &fee
	}
	return out, tx.UpdateStake(ctx, s)
}

// forfeit settles s as a loser: its locked principal leaves the wallet.
func (c *Coordinator) forfeit(ctx context.Context, tx store.Tx, ws *walletSet, s *stake.Stake, b *bet.Bet, now time.Time) (*StakeSettlement, error) {
	if s.Status != stake.StatusActive {
		return nil, nil
	}
	w, err := ws.get(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.MarkAsLost(now); err != nil {
		return nil, err
	}
	if _, err := post(ctx, tx, w, ledger.Params{
		Kind:           ledger.KindStakeForfeit,
		Amount:         s.Amount,
		Description:    "Lost: " + b.Title,
		BetID:          b.ID,
		StakeID:        s.ID,
		IdempotencyKey: "forfeit:" + s.ID,
	}, now); err != nil {
		return nil, err
	}
	return &StakeSettlement{StakeID: s.ID, UserID: s.UserID, Result: resultLost, Amount: s.Amount}, tx.UpdateStake(ctx, s)
}

// refund cancels s and returns its principal to available funds.
func (c *Coordinator) refund(ctx context.Context, tx store.Tx, ws *walletSet, s *stake.Stake, description string, now time.Time) (*StakeSettlement, error) {
	if s.Status != stake.StatusActive {
		return nil, nil
	}
	w, err := ws.get(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Cancel(now); err != nil {
		return nil, err
	}
	if _, err := post(ctx, tx, w, ledger.Params{
		Kind:           ledger.KindStakeRefund,
		Amount:         s.Amount,
		Description:    description,
		BetID:          s.BetID,
		StakeID:        s.ID,
		IdempotencyKey: "refund:" + s.ID,
	}, now); err != nil {
		return nil, err
	}
	amount := s.Amount
	return &StakeSettlement{StakeID: s.ID, UserID: s.UserID, Result: resultRefunded, Amount: s.Amount, Payout: &amount}, tx.UpdateStake(ctx, s)
}

// settlementEvents builds the bet event followed by one event per settled
// stake.
func (c *Coordinator) settlementEvents(t events.Type, b *bet.Bet, settled []StakeSettlement, now time.Time) []events.Event {
	evs := make([]events.Event, 0, len(settled)+1)
	ev := events.New(t, now, b)
	ev.BetID = b.ID
	evs = append(evs, ev)
	for _, s := range settled {
		ev := events.New(events.StakeSettled, now, s)
		ev.BetID, ev.UserID, ev.StakeID = b.ID, s.UserID, s.StakeID
		evs = append(evs, ev)
	}
	return evs
}
