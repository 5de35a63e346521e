// Package payout implements pari-mutuel settlement of a resolved bet.
//
// Winners split the losing pool in proportion to their stake and get their
// principal back:
//
//	winnings = trunc2(stake × losingPool / winningPool)
//	fee      = trunc2(winnings × feeRate)
//	payout   = stake + winnings
//
// The fee is charged as a separate ledger debit after the payout, so the
// wallet fold shows both facts. Truncation leaves sub-cent dust with the
// house, which keeps Σ payouts ≤ Σ stakes.
//
// The calculator is stateless: pools are passed as arguments.
package payout

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/money"
)

var (
	// ErrInvalidFeeRate is returned when the fee rate is outside [0, 1).
	ErrInvalidFeeRate = errors.New("payout: fee rate must be in [0, 1)")

	// ErrEmptyWinningPool is returned when settling a winner against a
	// winning pool that does not cover its stake.
	ErrEmptyWinningPool = errors.New("payout: winning pool does not cover stake")
)

// Result is the settlement of one winning stake.
type Result struct {
	Principal money.Money `json:"principal"`
	Winnings  money.Money `json:"winnings"`
	Payout    money.Money `json:"payout"`
	Fee       money.Money `json:"fee"`
}

// PariMutuel computes payouts from outcome pools.
type PariMutuel struct {
	feeRate decimal.Decimal
}

// NewPariMutuel creates a calculator charging feeRate on winnings.
func NewPariMutuel(feeRate decimal.Decimal) (*PariMutuel, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFeeRate
	}
	return &PariMutuel{feeRate: feeRate}, nil
}

// FeeRate returns the configured fee rate.
func (p *PariMutuel) FeeRate() decimal.Decimal {
	return p.feeRate
}

// Settle computes the payout for a winning stake given the total staked on
// the winning outcome and the total staked on every other outcome.
func (p *PariMutuel) Settle(stake, winningPool, losingPool money.Money) (Result, error) {
	if winningPool.LessThan(stake) || winningPool.IsZero() {
		return Result{}, ErrEmptyWinningPool
	}

	share := stake.Decimal().Mul(losingPool.Decimal()).Div(winningPool.Decimal())
	winnings, err := money.New(share.Truncate(money.Scale))
	if err != nil {
		return Result{}, err
	}
	fee, err := money.New(winnings.Decimal().Mul(p.feeRate).Truncate(money.Scale))
	if err != nil {
		return Result{}, err
	}

	return Result{
		Principal: stake,
		Winnings:  winnings,
		Payout:    stake.Add(winnings),
		Fee:       fee,
	}, nil
}

// Estimate returns the payout a new stake would receive if its outcome won
// with the pools as they stand, the stake itself included. The fee is not
// deducted.
func (p *PariMutuel) Estimate(stake, outcomePool, betTotal money.Money) (money.Money, error) {
	winningPool := outcomePool.Add(stake)
	losingPool, err := betTotal.Sub(outcomePool)
	if err != nil {
		return money.Money{}, err
	}
	r, err := p.Settle(stake, winningPool, losingPool)
	if err != nil {
		return money.Money{}, err
	}
	return r.Payout, nil
}
