package trust

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports malformed input, an allocation mismatch, or an
// unknown reference. It is always detected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a withdrawal that exceeds a ledger's
// running balance. No state change occurs.
type InsufficientFundsError struct {
	LedgerID  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in ledger %s: have %s, need %s",
		e.LedgerID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

// InvalidStateError reports an operation that is not legal from the entity's
// current status, such as a double void or closing a non-zero account.
type InvalidStateError struct {
	Entity    string
	ID        string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid operation %s on %s %s in state %s", e.Operation, e.Entity, e.ID, e.State)
}

// AuthorizationError reports an actor lacking a required capability.
type AuthorizationError struct {
	Actor      string
	Capability Capability
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s lacks capability %s", e.Actor, e.Capability)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsInsufficientFunds(err error) bool {
	var ife *InsufficientFundsError
	return errors.As(err, &ife)
}

func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}
