package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validParams() Params {
	return Params{
		WalletID:    "w1",
		UserID:      "u1",
		Kind:        KindDeposit,
		Amount:      money.MustParse("100"),
		Description: "deposit",
	}
}

func TestNew_Valid(t *testing.T) {
	p := validParams()
	p.IdempotencyKey = "dep-1"
	p.Metadata = map[string]string{"source": "test"}

	e, err := New(p, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, e.CreatedAt)
	}
	if e.IdempotencyKey != "dep-1" {
		t.Errorf("expected idempotency key dep-1, got %q", e.IdempotencyKey)
	}

	// Metadata is copied, not aliased.
	p.Metadata["source"] = "mutated"
	if e.Metadata["source"] != "test" {
		t.Error("entry metadata should not alias caller map")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"missing wallet", func(p *Params) { p.WalletID = "" }},
		{"missing user", func(p *Params) { p.UserID = "" }},
		{"unknown kind", func(p *Params) { p.Kind = "BONUS" }},
		{"zero amount", func(p *Params) { p.Amount = money.Zero() }},
		{"blank description", func(p *Params) { p.Description = "  " }},
		{"released on deposit", func(p *Params) { p.Released = money.MustParse("1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			if _, err := New(p, now); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTotalDelta(t *testing.T) {
	tests := []struct {
		kind          Kind
		amount        string
		released      string
		credit, debit string
	}{
		{KindDeposit, "50", "0", "50.00", "0.00"},
		{KindStakeLocked, "50", "0", "0.00", "0.00"},
		{KindStakeRefund, "50", "0", "0.00", "0.00"},
		{KindWinPayout, "450", "300", "450.00", "300.00"},
		{KindStakeForfeit, "20", "0", "0.00", "20.00"},
		{KindPlatformFee, "3", "0", "0.00", "3.00"},
		{KindWithdrawal, "40", "0", "0.00", "40.00"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := Entry{Kind: tt.kind, Amount: money.MustParse(tt.amount), Released: money.MustParse(tt.released)}
			credit, debit := e.TotalDelta()
			if credit.String() != tt.credit || debit.String() != tt.debit {
				t.Errorf("got credit=%s debit=%s, want %s/%s", credit, debit, tt.credit, tt.debit)
			}
		})
	}
}
