package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/apperr"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNew_RejectsNegative(t *testing.T) {
	_, err := New(decimal.NewFromInt(-5))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for -5, got %v", err)
	}
}

func TestNew_RoundsToScale(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10", "10.00"},
		{"10.1", "10.10"},
		{"10.125", "10.13"},
		{"10.124", "10.12"},
		{"0.004", "0.00"},
		{"123456789012345678901234567890.99", "123456789012345678901234567890.99"},
	}
	for _, tt := range tests {
		m, err := New(d(tt.in))
		if err != nil {
			t.Fatalf("New(%s): %v", tt.in, err)
		}
		if m.String() != tt.want {
			t.Errorf("New(%s) = %s, want %s", tt.in, m, tt.want)
		}
	}
}

func TestSub_InsufficientFunds(t *testing.T) {
	_, err := MustParse("10").Sub(MustParse("20"))
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestSub_ToZero(t *testing.T) {
	got, err := MustParse("20").Sub(MustParse("20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero, got %s", got)
	}
}

func TestImmutability(t *testing.T) {
	a := MustParse("5.00")
	b := a.Add(MustParse("1.50"))
	if a.String() != "5.00" {
		t.Errorf("Add mutated receiver: %s", a)
	}
	if b.String() != "6.50" {
		t.Errorf("expected 6.50, got %s", b)
	}
}

func TestOrdering(t *testing.T) {
	small, big := MustParse("1.5"), MustParse("1.50001")
	// 1.50001 rounds to 1.50, so they are numerically equal as Money.
	if !small.Equal(big) {
		t.Errorf("expected %s == %s", small, big)
	}
	if !MustParse("2").GreaterThan(MustParse("1.99")) {
		t.Error("2.00 should be > 1.99")
	}
	if MustParse("3").Cmp(MustParse("3.00")) != 0 {
		t.Error("3 and 3.00 should compare equal")
	}
	if !MustParse("7").Min(MustParse("4")).Equal(MustParse("4")) {
		t.Error("Min should return the smaller value")
	}
}

func TestFromCents(t *testing.T) {
	m, err := FromCents(12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.String() != "123.45" {
		t.Errorf("expected 123.45, got %s", m)
	}
	if _, err := FromCents(-1); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestJSON(t *testing.T) {
	type payload struct {
		Amount Money `json:"amount"`
	}

	out, err := json.Marshal(payload{Amount: MustParse("42.5")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"amount":"42.50"}` {
		t.Errorf("unexpected encoding %s", out)
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"amount":17.255}`), &p); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if p.Amount.String() != "17.26" {
		t.Errorf("expected 17.26, got %s", p.Amount)
	}

	if err := json.Unmarshal([]byte(`{"amount":"-1"}`), &p); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for negative amount, got %v", err)
	}
}
