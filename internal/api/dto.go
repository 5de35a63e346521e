package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/money"
)

var validate = validator.New()

// --- Request types ---

// ProvisionWalletRequest is the JSON body for POST /wallets.
type ProvisionWalletRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// TransferRequest is the JSON body for deposits and withdrawals.
type TransferRequest struct {
	Amount         money.Money `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key" validate:"required,max=255"`
}

// PlaceStakeRequest is the JSON body for POST /stakes.
type PlaceStakeRequest struct {
	UserID         string      `json:"user_id" validate:"required"`
	BetID          string      `json:"bet_id" validate:"required"`
	OutcomeID      string      `json:"outcome_id" validate:"required"`
	Amount         money.Money `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key" validate:"required,max=255"`
}

// ResolveBetRequest is the JSON body for POST /bets/{betID}/resolve.
type ResolveBetRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id" validate:"required"`
	Notes            string `json:"notes" validate:"max=2000"`
	IdempotencyKey   string `json:"idempotency_key" validate:"required,max=255"`
}

// CancelBetRequest is the JSON body for POST /bets/{betID}/cancel.
type CancelBetRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// check runs the struct tags of v and reports failures as validation errors
// naming the JSON fields.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", jsonName(f.Namespace()), f.Tag()))
	}
	return fmt.Errorf("%w: %s", apperr.ErrValidation, strings.Join(msgs, "; "))
}

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// jsonName strips the struct name from a validator namespace.
func jsonName(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
