package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindFinancial      Kind = "financial"
	KindUpstream       Kind = "upstream"
	KindReconciliation Kind = "reconciliation"
	KindInternal       Kind = "internal"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrMissingReason       = errors.New("a cancellation reason is required")
	ErrInvalidState        = errors.New("operation not allowed in the current session status")
	ErrIdempotencyMismatch = errors.New("idempotency token was already used for a different payment")

	ErrUnauthorizedStaff = errors.New("staff identity could not be resolved")
	ErrInvalidPin        = errors.New("invalid pin")
	ErrInactiveStaff     = errors.New("staff member is inactive")
	ErrElevationRequired = errors.New("elevated authorization required")

	ErrSessionNotFound = errors.New("session not found")
	ErrOrderNotFound   = errors.New("order not found")

	ErrInvalidTable    = errors.New("table already has an open session")
	ErrConflict        = errors.New("session was changed by another operation")
	ErrSessionTerminal = errors.New("session is already paid or closed")
	ErrSessionBusy     = errors.New("session is closing")
	ErrOrderTerminal   = errors.New("order is already cancelled or completed")

	ErrOverpaymentRejected = errors.New("payment exceeds the pending balance")
	ErrIncompleteBalance   = errors.New("session has an outstanding balance")
	ErrPaymentsRecorded    = errors.New("session has recorded payments; refund them or force-close")
	ErrServedOrders        = errors.New("session has served orders; settle them or force-close")

	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstream        = errors.New("upstream failure")

	ErrReconciliation = errors.New("mutation committed but audit write failed; flagged for reconciliation")
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrReconciliation, KindReconciliation},
	{ErrUpstreamTimeout, KindUpstream},
	{ErrUpstream, KindUpstream},
	{ErrInvalidInput, KindValidation},
	{ErrMissingReason, KindValidation},
	{ErrInvalidState, KindValidation},
	{ErrIdempotencyMismatch, KindValidation},
	{ErrElevationRequired, KindAuthorization},
	{ErrUnauthorizedStaff, KindAuthorization},
	{ErrInvalidPin, KindAuthorization},
	{ErrInactiveStaff, KindAuthorization},
	{ErrSessionNotFound, KindNotFound},
	{ErrOrderNotFound, KindNotFound},
	{ErrInvalidTable, KindConflict},
	{ErrConflict, KindConflict},
	{ErrSessionTerminal, KindConflict},
	{ErrSessionBusy, KindConflict},
	{ErrOrderTerminal, KindConflict},
	{ErrOverpaymentRejected, KindFinancial},
	{ErrIncompleteBalance, KindFinancial},
	{ErrPaymentsRecorded, KindFinancial},
	{ErrServedOrders, KindFinancial},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstream
	}
	return KindInternal
}

// OperationError is returned by every SessionManager operation. When the
// session lock was held, State holds the authoritative session state at the
// moment of rejection.
type OperationError struct {
	Op    string
	Err   error
	State *SessionState
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Kind() Kind {
	return KindOf(e.Err)
}

// IncompleteBalanceError reports how much is still owed on a session.
type IncompleteBalanceError struct {
	Remaining decimal.Decimal
}

func (e *IncompleteBalanceError) Error() string {
	return fmt.Sprintf("%v (remaining %s)", ErrIncompleteBalance, e.Remaining.StringFixed(2))
}

func (e *IncompleteBalanceError) Is(target error) bool {
	return target == ErrIncompleteBalance
}

// OverpaymentError reports a rejected payment and the balance it was checked against.
type OverpaymentError struct {
	Amount  decimal.Decimal
	Pending decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("%v (amount %s, pending %s)", ErrOverpaymentRejected, e.Amount.StringFixed(2), e.Pending.StringFixed(2))
}

func (e *OverpaymentError) Is(target error) bool {
	return target == ErrOverpaymentRejected
}

func wrapOp(op string, err error, state *SessionState) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		if opErr.State == nil {
			opErr.State = state
		}
		return opErr
	}
	return &OperationError{Op: op, Err: err, State: state}
}
