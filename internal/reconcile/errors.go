package reconcile

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced before any remote call is made.
var (
	ErrMissingPaymentOrder = errors.New("order has no payment order id")
	ErrNothingToCapture    = errors.New("no capturable amount remains on the order")
	ErrNothingToRefund     = errors.New("no refundable amount remains after dropping near-zero lines")
	ErrOrderClosed         = errors.New("order is in a terminal state")
)

// UnknownTransactionTypeError is fatal for a single transaction. It does
// not poison the ledger for other transactions on the same order.
type UnknownTransactionTypeError struct {
	Type string
}

func (e *UnknownTransactionTypeError) Error() string {
	return fmt.Sprintf("unknown transaction type %q", e.Type)
}

// NotCapturedError reports a refund request exceeding the remaining
// captured-but-not-refunded quantity for a line.
type NotCapturedError struct {
	Reference string
}

func (e *NotCapturedError) Error() string {
	return fmt.Sprintf("line %q exceeds the captured quantity available for refund", e.Reference)
}

// OverCaptureError reports a capture request exceeding the ordered
// quantity still uncaptured for a line.
type OverCaptureError struct {
	Reference string
}

func (e *OverCaptureError) Error() string {
	return fmt.Sprintf("line %q exceeds the ordered quantity available for capture", e.Reference)
}
