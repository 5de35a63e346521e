// Package stake implements a user's position on one outcome of one bet.
package stake

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

// Status is the lifecycle state of a Stake. Active is the only
// non-terminal state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusWon       Status = "WON"
	StatusLost      Status = "LOST"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a settled state.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusCancelled
}

// Stake is one accepted placement.
type Stake struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	BetID           string       `json:"bet_id"`
	OutcomeID       string       `json:"outcome_id"`
	Status          Status       `json:"status"`
	Amount          money.Money  `json:"stake_amount"`
	PotentialPayout *money.Money `json:"potential_payout,omitempty"`
	ActualPayout    *money.Money `json:"actual_payout,omitempty"`
	IdempotencyKey  string       `json:"idempotency_key"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
}

// Params holds the inputs of New.
type Params struct {
	UserID         string
	BetID          string
	OutcomeID      string
	Amount         money.Money
	IdempotencyKey string
}

// New creates an Active stake.
func New(p Params, now time.Time) (*Stake, error) {
	switch {
	case p.UserID == "":
		return nil, fmt.Errorf("%w: stake requires a user id", apperr.ErrValidation)
	case p.BetID == "":
		return nil, fmt.Errorf("%w: stake requires a bet id", apperr.ErrValidation)
	case p.OutcomeID == "":
		return nil, fmt.Errorf("%w: stake requires an outcome id", apperr.ErrValidation)
	case p.IdempotencyKey == "":
		return nil, fmt.Errorf("%w: stake requires an idempotency key", apperr.ErrValidation)
	case !p.Amount.IsPositive():
		return nil, fmt.Errorf("%w: stake amount must be positive, got %s", apperr.ErrValidation, p.Amount)
	}
	return &Stake{
		ID:             uuid.New().String(),
		UserID:         p.UserID,
		BetID:          p.BetID,
		OutcomeID:      p.OutcomeID,
		Status:         StatusActive,
		Amount:         p.Amount,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now.UTC(),
	}, nil
}

// Matches reports whether a replayed placement carries the same arguments
// as the stake its key already produced.
func (s *Stake) Matches(p Params) bool {
	return s.UserID == p.UserID &&
		s.BetID == p.BetID &&
		s.OutcomeID == p.OutcomeID &&
		s.Amount.Equal(p.Amount)
}

// SetPotentialPayout records the estimate shown at placement.
func (s *Stake) SetPotentialPayout(p money.Money) {
	s.PotentialPayout = &p
}

// MarkAsWon settles the stake as a winner with payout. Repeating the call
// with the same payout is a no-op (changed=false).
func (s *Stake) MarkAsWon(payout money.Money, now time.Time) (changed bool, err error) {
	if s.Status == StatusWon && s.ActualPayout != nil && s.ActualPayout.Equal(payout) {
		return false, nil
	}
	if err := s.settle(StatusWon, now); err != nil {
		return false, err
	}
	s.ActualPayout = &payout
	return true, nil
}

// MarkAsLost settles the stake as a loser. No payout is recorded.
func (s *Stake) MarkAsLost(now time.Time) (changed bool, err error) {
	if s.Status == StatusLost {
		return false, nil
	}
	if err := s.settle(StatusLost, now); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel voids the stake so its principal can be refunded.
func (s *Stake) Cancel(now time.Time) (changed bool, err error) {
	if s.Status == StatusCancelled {
		return false, nil
	}
	if err := s.settle(StatusCancelled, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Stake) settle(to Status, now time.Time) error {
	if s.Status != StatusActive {
		return fmt.Errorf("%w: stake %s cannot move from %s to %s", apperr.ErrInvalidTransition, s.ID, s.Status, to)
	}
	at := now.UTC()
	s.Status = to
	s.ResolvedAt = &at
	return nil
}
