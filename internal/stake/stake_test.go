package stake_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/stake"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func params() stake.Params {
	return stake.Params{
		UserID:         "user1",
		BetID:          "bet1",
		OutcomeID:      "yes",
		Amount:         money.MustParse("25"),
		IdempotencyKey: "place-1",
	}
}

func newStake(t *testing.T) *stake.Stake {
	t.Helper()
	s, err := stake.New(params(), now)
	if err != nil {
		t.Fatalf("new stake: %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *stake.Params)
	}{
		{"no user", func(p *stake.Params) { p.UserID = "" }},
		{"no bet", func(p *stake.Params) { p.BetID = "" }},
		{"no outcome", func(p *stake.Params) { p.OutcomeID = "" }},
		{"no key", func(p *stake.Params) { p.IdempotencyKey = "" }},
		{"zero amount", func(p *stake.Params) { p.Amount = money.Zero() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			tt.mutate(&p)
			if _, err := stake.New(p, now); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestMarkAsWon_Idempotent(t *testing.T) {
	s := newStake(t)
	payout := money.MustParse("40")

	changed, err := s.MarkAsWon(payout, now)
	if err != nil || !changed {
		t.Fatalf("first MarkAsWon: changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkAsWon(payout, now.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("repeat MarkAsWon: changed=%v err=%v", changed, err)
	}
	if !s.ResolvedAt.Equal(now) {
		t.Errorf("resolved at moved to %v", s.ResolvedAt)
	}

	if _, err := s.MarkAsWon(money.MustParse("41"), now); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("different payout: %v", err)
	}
	if !s.ActualPayout.Equal(payout) {
		t.Errorf("payout = %s, want %s", s.ActualPayout, payout)
	}
}

func TestMarkAsWon_AfterLost(t *testing.T) {
	s := newStake(t)
	if _, err := s.MarkAsLost(now); err != nil {
		t.Fatalf("MarkAsLost: %v", err)
	}
	if _, err := s.MarkAsWon(money.MustParse("1"), now); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if s.Status != stake.StatusLost || s.ActualPayout != nil {
		t.Errorf("unexpected state %+v", s)
	}
}

func TestMarkAsLost_Idempotent(t *testing.T) {
	s := newStake(t)
	if changed, _ := s.MarkAsLost(now); !changed {
		t.Error("first MarkAsLost should change state")
	}
	if changed, err := s.MarkAsLost(now); changed || err != nil {
		t.Errorf("repeat MarkAsLost: changed=%v err=%v", changed, err)
	}
	if _, err := s.Cancel(now); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("cancel after loss: %v", err)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	s := newStake(t)
	if changed, _ := s.Cancel(now); !changed {
		t.Error("first Cancel should change state")
	}
	if changed, err := s.Cancel(now); changed || err != nil {
		t.Errorf("repeat Cancel: changed=%v err=%v", changed, err)
	}
	if !s.Status.Terminal() {
		t.Errorf("%s should be terminal", s.Status)
	}
}

func TestMatches(t *testing.T) {
	s := newStake(t)
	if !s.Matches(params()) {
		t.Error("identical params should match")
	}
	p := params()
	p.Amount = money.MustParse("25.01")
	if s.Matches(p) {
		t.Error("different amount should not match")
	}
	p = params()
	p.OutcomeID = "no"
	if s.Matches(p) {
		t.Error("different outcome should not match")
	}
}
