// Package limits implements stake exposure limits that account for
// correlation between bets of the same category.
//
// A user backing every outcome of a tournament's matches through separate
// bets carries correlated risk. The limiter caps the active stake a user
// holds on a single bet and the aggregate across bets that share a
// category.
package limits

import (
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

var (
	// ErrPerBetLimitExceeded is returned when a stake would push the user's
	// active stake on one bet beyond MaxPerBet.
	ErrPerBetLimitExceeded = errors.New("limits: per-bet stake limit exceeded")

	// ErrCategoryLimitExceeded is returned when a stake would push the
	// user's aggregate active stake in one category beyond MaxPerCategory.
	ErrCategoryLimitExceeded = errors.New("limits: category exposure limit exceeded")
)

// Exposure is a user's active stake on one bet.
type Exposure struct {
	BetID    string
	Category string
	Amount   money.Money
}

// StakeLimiter enforces exposure limits. A zero limit is disabled.
type StakeLimiter struct {
	// MaxPerBet is the maximum active stake a user may hold on one bet.
	MaxPerBet money.Money

	// MaxPerCategory is the maximum aggregate active stake across all bets
	// in the same category.
	MaxPerCategory money.Money
}

// NewStakeLimiter creates a limiter with the given per-bet and per-category
// limits.
func NewStakeLimiter(maxPerBet, maxPerCategory money.Money) *StakeLimiter {
	return &StakeLimiter{
		MaxPerBet:      maxPerBet,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit validates whether a new stake respects the limits, given the
// user's current active exposures. A nil limiter allows everything.
//
// Errors wrap both the package sentinel and apperr.ErrBusinessRule.
func (l *StakeLimiter) CheckLimit(betID, category string, amount money.Money, existing []Exposure) error {
	if l == nil {
		return nil
	}

	onBet := amount
	inCategory := amount
	for _, e := range existing {
		if e.BetID == betID {
			onBet = onBet.Add(e.Amount)
		}
		if e.Category == category {
			inCategory = inCategory.Add(e.Amount)
		}
	}

	if !l.MaxPerBet.IsZero() && onBet.GreaterThan(l.MaxPerBet) {
		return violation(ErrPerBetLimitExceeded, "bet %s exposure %s > %s", betID, onBet, l.MaxPerBet)
	}
	if !l.MaxPerCategory.IsZero() && inCategory.GreaterThan(l.MaxPerCategory) {
		return violation(ErrCategoryLimitExceeded, "category %q exposure %s > %s", category, inCategory, l.MaxPerCategory)
	}
	return nil
}

type limitError struct {
	sentinel error
	msg      string
}

func (e *limitError) Error() string { return e.sentinel.Error() + ": " + e.msg }

func (e *limitError) Unwrap() []error { return []error{e.sentinel, apperr.ErrBusinessRule} }

func violation(sentinel error, format string, args ...any) error {
	return &limitError{sentinel: sentinel, msg: fmt.Sprintf(format, args...)}
}
