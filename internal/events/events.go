// Package events carries settlement facts to downstream consumers after
// they have been committed. Publishing is best effort: a failed publish
// never undoes a committed ledger write.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names a settlement fact.
type Type string

const (
	WalletProvisioned Type = "wallet.provisioned"
	WalletDeposited   Type = "wallet.deposited"
	WalletWithdrawn   Type = "wallet.withdrawn"
	BetCreated        Type = "bet.created"
	BetOpened         Type = "bet.opened"
	BetClosed         Type = "bet.closed"
	BetResolved       Type = "bet.resolved"
	BetCancelled      Type = "bet.cancelled"
	StakePlaced       Type = "stake.placed"
	StakeSettled      Type = "stake.settled"
)

// Event is one published fact. Payload is JSON-encoded as-is.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	UserID     string    `json:"user_id,omitempty"`
	BetID      string    `json:"bet_id,omitempty"`
	StakeID    string    `json:"stake_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id.
func New(t Type, at time.Time, payload any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// Key is the partitioning key: events about one bet stay ordered, as do
// events about one wallet.
func (e Event) Key() string {
	switch {
	case e.BetID != "":
		return e.BetID
	case e.UserID != "":
		return e.UserID
	}
	return e.ID
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi fans events out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
