// Package finerror defines the error taxonomy shared by the ledger, card,
// and installment engines. Business rejections (validation, insufficient
// funds, not found, conflicts, expiry) are returned to the caller layer for
// user-facing phrasing; only PersistenceError is treated as operation-fatal.
package finerror

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports an out-of-range amount, limit, or day, or an
// empty field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a failed balance, reserve, or limit check.
type InsufficientFundsError struct {
	Source    string // "balance", "savings", "emergency"
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: need %s, have %s",
		e.Source, e.Needed.StringFixed(2), e.Available.StringFixed(2))
}

// NotFoundError reports a missing account, card, plan, payment, or category.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// ConflictError reports a uniqueness violation, such as a duplicate card
// name on the same account.
type ConflictError struct {
	Entity string
	Name   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Name)
}

// ExpiredError reports a pending operation that is no longer live.
type ExpiredError struct {
	Kind string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("pending %s operation expired", e.Kind)
}

// PersistenceError wraps a storage failure. It aborts the in-progress unit
// without committing partial state and is surfaced as a hard failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError for the named operation.
// Returns nil when err is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var e *InsufficientFundsError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsExpired reports whether err is an ExpiredError.
func IsExpired(err error) bool {
	var e *ExpiredError
	return errors.As(err, &e)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}
