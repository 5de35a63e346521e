// Package bet implements the prediction market aggregate: a Bet with a
// fixed set of Outcomes and an explicit lifecycle state machine.
package bet

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

// MinOutcomes is the minimum number of outcomes a bet is created with.
const MinOutcomes = 2

// Outcome is one possible resolution of a Bet.
type Outcome struct {
	ID          string      `json:"id"`
	BetID       string      `json:"bet_id"`
	Title       string      `json:"title"`
	TotalStaked money.Money `json:"total_staked"`
	StakeCount  int         `json:"stake_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RecordStake adds one accepted stake to the outcome's totals.
func (o *Outcome) RecordStake(amount money.Money) {
	o.TotalStaked = o.TotalStaked.Add(amount)
	o.StakeCount++
}

// Bet is a prediction market with a resolution lifecycle.
// Invariants: ResolutionTime > ClosingTime, len(Outcomes) >= MinOutcomes,
// TotalStaked == Σ Outcomes[i].TotalStaked.
type Bet struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Category         string      `json:"category"`
	Status           Status      `json:"status"`
	ClosingTime      time.Time   `json:"closing_time"`
	ResolutionTime   time.Time   `json:"resolution_time"`
	Outcomes         []Outcome   `json:"outcomes"`
	TotalStaked      money.Money `json:"total_staked"`
	ParticipantCount int         `json:"participant_count"`

	ResolvedOutcomeID        string     `json:"resolved_outcome_id,omitempty"`
	ResolvedAt               *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes          string     `json:"resolution_notes,omitempty"`
	ResolutionIdempotencyKey string     `json:"resolution_idempotency_key,omitempty"`
	PaidAt                   *time.Time `json:"paid_at,omitempty"`
	CancellationReason       string     `json:"cancellation_reason,omitempty"`
	CancelledAt              *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Params holds the inputs of New.
type Params struct {
	Title          string    `json:"title" validate:"required"`
	Description    string    `json:"description"`
	Category       string    `json:"category" validate:"required"`
	ClosingTime    time.Time `json:"closing_time" validate:"required"`
	ResolutionTime time.Time `json:"resolution_time" validate:"required"`
	Outcomes       []string  `json:"outcomes" validate:"min=2,dive,required"`
}

// New validates p and creates a Draft bet together with its outcomes.
func New(p Params, now time.Time) (*Bet, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: bet title is required", apperr.ErrValidation)
	}
	if strings.TrimSpace(p.Category) == "" {
		return nil, fmt.Errorf("%w: bet category is required", apperr.ErrValidation)
	}
	if p.ClosingTime.IsZero() || p.ResolutionTime.IsZero() {
		return nil, fmt.Errorf("%w: closing and resolution times are required", apperr.ErrValidation)
	}
	if !p.ResolutionTime.After(p.ClosingTime) {
		return nil, fmt.Errorf("%w: resolution time must be after closing time", apperr.ErrValidation)
	}
	if len(p.Outcomes) < MinOutcomes {
		return nil, fmt.Errorf("%w: a bet needs at least %d outcomes, got %d", apperr.ErrValidation, MinOutcomes, len(p.Outcomes))
	}

	now = now.UTC()
	b := &Bet{
		ID:             uuid.New().String(),
		Title:          strings.TrimSpace(p.Title),
		Description:    p.Description,
		Category:       strings.TrimSpace(p.Category),
		Status:         StatusDraft,
		ClosingTime:    p.ClosingTime.UTC(),
		ResolutionTime: p.ResolutionTime.UTC(),
		CreatedAt:      now,
	}

	seen := make(map[string]bool, len(p.Outcomes))
	for _, title := range p.Outcomes {
		title = strings.TrimSpace(title)
		if title == "" {
			return nil, fmt.Errorf("%w: outcome title is required", apperr.ErrValidation)
		}
		key := strings.ToLower(title)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate outcome %q", apperr.ErrValidation, title)
		}
		seen[key] = true
		b.Outcomes = append(b.Outcomes, Outcome{
			ID:        uuid.New().String(),
			BetID:     b.ID,
			Title:     title,
			CreatedAt: now,
		})
	}
	return b, nil
}

// Outcome returns a pointer into b.Outcomes for id. Resolving or staking
// on an outcome of another bet is a business rule violation.
func (b *Bet) Outcome(id string) (*Outcome, error) {
	for i := range b.Outcomes {
		if b.Outcomes[i].ID == id {
			return &b.Outcomes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: outcome %s does not belong to bet %s", apperr.ErrBusinessRule, id, b.ID)
}

// IsOpen reports whether the bet accepts stakes at now.
func (b *Bet) IsOpen(now time.Time) bool {
	return b.Status == StatusOpen && now.Before(b.ClosingTime)
}

// IsSettled reports whether the bet has been resolved.
func (b *Bet) IsSettled() bool {
	return b.Status == StatusResolved || b.Status == StatusPaid
}

// Open moves Draft → Open.
func (b *Bet) Open(now time.Time) error {
	if err := b.transition(StatusOpen); err != nil {
		return err
	}
	b.touch(now)
	return nil
}

// Close moves Open → Closed once the closing time has passed.
func (b *Bet) Close(now time.Time) error {
	if err := b.check(StatusClosed); err != nil {
		return err
	}
	if now.Before(b.ClosingTime) {
		return fmt.Errorf("%w: bet %s cannot close before %s", apperr.ErrInvalidTransition, b.ID, b.ClosingTime.Format(time.RFC3339))
	}
	b.Status = StatusClosed
	b.touch(now)
	return nil
}

// Resolve moves Closed → Resolved with the winning outcome.
//
// A call against an already settled bet with the same outcome and the same
// idempotency key is a safe replay: it reports replayed=true and changes
// nothing. Reusing the key with another outcome is a business rule
// violation; any other call against a settled bet fails.
func (b *Bet) Resolve(outcomeID, notes, key string, now time.Time) (replayed bool, err error) {
	if b.IsSettled() {
		if key != "" && b.ResolutionIdempotencyKey == key {
			if b.ResolvedOutcomeID == outcomeID {
				return true, nil
			}
			return false, fmt.Errorf("%w: resolution key %q was used for outcome %s", apperr.ErrBusinessRule, key, b.ResolvedOutcomeID)
		}
		return false, fmt.Errorf("%w: bet %s is already %s", apperr.ErrInvalidTransition, b.ID, b.Status)
	}
	if err := b.check(StatusResolved); err != nil {
		return false, err
	}
	if now.Before(b.ResolutionTime) {
		return false, fmt.Errorf("%w: bet %s cannot resolve before %s", apperr.ErrInvalidTransition, b.ID, b.ResolutionTime.Format(time.RFC3339))
	}
	if _, err := b.Outcome(outcomeID); err != nil {
		return false, err
	}

	at := now.UTC()
	b.Status = StatusResolved
	b.ResolvedOutcomeID = outcomeID
	b.ResolvedAt = &at
	b.ResolutionNotes = notes
	b.ResolutionIdempotencyKey = key
	b.touch(now)
	return false, nil
}

// MarkPaid moves Resolved → Paid once every stake has been settled.
func (b *Bet) MarkPaid(now time.Time) error {
	if err := b.transition(StatusPaid); err != nil {
		return err
	}
	at := now.UTC()
	b.PaidAt = &at
	b.touch(now)
	return nil
}

// Cancel moves Draft/Open/Closed → Cancelled.
func (b *Bet) Cancel(reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: cancellation reason is required", apperr.ErrValidation)
	}
	if err := b.transition(StatusCancelled); err != nil {
		return err
	}
	at := now.UTC()
	b.CancellationReason = reason
	b.CancelledAt = &at
	b.touch(now)
	return nil
}

// AddStake records an accepted stake on the bet totals. Allowed only while
// the bet is open.
func (b *Bet) AddStake(amount money.Money, now time.Time) error {
	if !b.IsOpen(now) {
		return fmt.Errorf("%w: bet %s is not open for staking", apperr.ErrInvalidTransition, b.ID)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: stake amount must be positive", apperr.ErrValidation)
	}
	b.TotalStaked = b.TotalStaked.Add(amount)
	b.ParticipantCount++
	b.touch(now)
	return nil
}

// CheckTotals verifies TotalStaked equals the sum of outcome totals.
func (b *Bet) CheckTotals() error {
	sum := money.Zero()
	for _, o := range b.Outcomes {
		sum = sum.Add(o.TotalStaked)
	}
	if !sum.Equal(b.TotalStaked) {
		return fmt.Errorf("%w: bet %s total %s != outcome sum %s", apperr.ErrBusinessRule, b.ID, b.TotalStaked, sum)
	}
	return nil
}

func (b *Bet) check(to Status) error {
	if !b.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: bet %s cannot move from %s to %s", apperr.ErrInvalidTransition, b.ID, b.Status, to)
	}
	return nil
}

func (b *Bet) transition(to Status) error {
	if err := b.check(to); err != nil {
		return err
	}
	b.Status = to
	return nil
}

func (b *Bet) touch(now time.Time) {
	at := now.UTC()
	b.UpdatedAt = &at
}
