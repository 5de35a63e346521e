package payout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/money"
)

func m(s string) money.Money {
	return money.MustParse(s)
}

func newCalc(t *testing.T, fee string) *PariMutuel {
	t.Helper()
	p, err := NewPariMutuel(decimal.RequireFromString(fee))
	if err != nil {
		t.Fatalf("NewPariMutuel(%s): %v", fee, err)
	}
	return p
}

func TestNewPariMutuel_RejectsBadFee(t *testing.T) {
	for _, fee := range []string{"-0.01", "1", "1.5"} {
		if _, err := NewPariMutuel(decimal.RequireFromString(fee)); err != ErrInvalidFeeRate {
			t.Errorf("fee %s: expected ErrInvalidFeeRate, got %v", fee, err)
		}
	}
}

func TestSettle_ProportionalShare(t *testing.T) {
	p := newCalc(t, "0")

	// Winning pool 400 (300 + 100), losing pool 200.
	r, err := p.Settle(m("300"), m("400"), m("200"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if r.Winnings.String() != "150.00" || r.Payout.String() != "450.00" {
		t.Errorf("got winnings %s payout %s, want 150.00 / 450.00", r.Winnings, r.Payout)
	}
	if !r.Fee.IsZero() {
		t.Errorf("fee = %s, want 0", r.Fee)
	}
}

func TestSettle_TruncatesDust(t *testing.T) {
	p := newCalc(t, "0")

	// Three equal winners of 10 share a losing pool of 10: 3.333... each.
	var paid money.Money
	for i := 0; i < 3; i++ {
		r, err := p.Settle(m("10"), m("30"), m("10"))
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		if r.Winnings.String() != "3.33" {
			t.Errorf("winnings = %s, want 3.33", r.Winnings)
		}
		paid = paid.Add(r.Payout)
	}
	if paid.GreaterThan(m("40")) {
		t.Errorf("paid %s exceeds total pool 40.00", paid)
	}
}

func TestSettle_Fee(t *testing.T) {
	p := newCalc(t, "0.05")

	r, err := p.Settle(m("100"), m("100"), m("33.33"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 33.33 × 0.05 = 1.6665 → 1.66
	if r.Fee.String() != "1.66" {
		t.Errorf("fee = %s, want 1.66", r.Fee)
	}
	if r.Payout.String() != "133.33" {
		t.Errorf("payout = %s, want 133.33", r.Payout)
	}
}

func TestSettle_NoLosers(t *testing.T) {
	p := newCalc(t, "0.1")

	r, err := p.Settle(m("50"), m("80"), money.Zero())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !r.Payout.Equal(m("50")) || !r.Fee.IsZero() {
		t.Errorf("got payout %s fee %s, want principal back and no fee", r.Payout, r.Fee)
	}
}

func TestSettle_PoolSmallerThanStake(t *testing.T) {
	p := newCalc(t, "0")
	if _, err := p.Settle(m("10"), m("5"), m("5")); err != ErrEmptyWinningPool {
		t.Errorf("expected ErrEmptyWinningPool, got %v", err)
	}
}

func TestEstimate(t *testing.T) {
	p := newCalc(t, "0")

	// Outcome has 100, bet total 300; a new stake of 100 would share 200.
	got, err := p.Estimate(m("100"), m("100"), m("300"))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.String() != "200.00" {
		t.Errorf("estimate = %s, want 200.00", got)
	}

	// First stake on an empty bet gets its principal back.
	got, err = p.Estimate(m("25"), money.Zero(), money.Zero())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !got.Equal(m("25")) {
		t.Errorf("estimate = %s, want 25.00", got)
	}
}
