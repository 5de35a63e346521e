package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", fmt.Errorf("%w: bad", ErrValidation), KindValidation},
		{"not found", fmt.Errorf("%w: bet x", ErrNotFound), KindNotFound},
		{"transition", ErrInvalidTransition, KindInvalidTransition},
		{"funds wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("%w: 10 > 5", ErrInsufficientFunds)), KindInsufficientFunds},
		{"concurrency", ErrConcurrency, KindConcurrency},
		{"business", ErrBusinessRule, KindBusinessRule},
		{"unknown", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	if !Retriable(fmt.Errorf("%w: lock wallet:u1", ErrConcurrency)) {
		t.Error("concurrency errors should be retriable")
	}
	if Retriable(ErrInsufficientFunds) {
		t.Error("insufficient funds should not be retriable")
	}
}

func TestClassified(t *testing.T) {
	if Classified(errors.New("raw")) {
		t.Error("raw error should not be classified")
	}
	if !Classified(fmt.Errorf("%w: x", ErrBusinessRule)) {
		t.Error("wrapped sentinel should be classified")
	}
}
