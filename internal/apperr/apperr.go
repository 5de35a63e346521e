// Package apperr defines the error taxonomy shared by every layer of the
// settlement engine. Packages wrap one of the sentinels below with detail:
//
//	fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
//
// Callers classify with errors.Is or KindOf.
package apperr

import "errors"

var (
	// ErrValidation marks malformed input. Not retriable without changing input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown id.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition marks an operation that is not valid in the
	// current lifecycle state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientFunds marks an operation that would drive a balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrency marks a lock timeout, a detected write conflict or a
	// transient storage failure. The caller may retry the whole operation.
	ErrConcurrency = errors.New("concurrency error")

	// ErrBusinessRule marks a generic domain rule breach.
	ErrBusinessRule = errors.New("business rule violation")
)

// Kind is the stable, machine-readable name of a taxonomy member.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "resource_not_found"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindConcurrency       Kind = "concurrency_error"
	KindBusinessRule      Kind = "business_rule_violation"
	KindUnknown           Kind = "internal_error"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrConcurrency, KindConcurrency},
	{ErrBusinessRule, KindBusinessRule},
}

// KindOf returns the taxonomy kind of err, or KindUnknown if err does not
// wrap any sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindUnknown
}

// Retriable reports whether the caller may retry the same request unchanged.
func Retriable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
