package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TransactionType identifies the effect of a remote transaction.
type TransactionType string

const (
	TypeVerification  TransactionType = "Verification"
	TypeAuthorization TransactionType = "Authorization"
	TypeSale          TransactionType = "Sale"
	TypeCapture       TransactionType = "Capture"
	TypeCancellation  TransactionType = "Cancellation"
	TypeReversal      TransactionType = "Reversal"
)

// ParseTransactionType parses a wire value into a TransactionType.
func ParseTransactionType(s string) (TransactionType, bool) {
	switch TransactionType(s) {
	case TypeVerification, TypeAuthorization, TypeSale, TypeCapture, TypeCancellation, TypeReversal:
		return TransactionType(s), true
	}
	return "", false
}

// Transaction is one immutable remote transaction. Number is unique per
// payment order and serves as the idempotency key on the local order.
type Transaction struct {
	Number    int64           `json:"number"`
	Type      TransactionType `json:"type"`
	Amount    int64           `json:"amount"`
	VATAmount int64           `json:"vatAmount"`
	Created   time.Time       `json:"created"`
}

// PaymentOrder is the provider's snapshot of one checkout's payment
// lifecycle. The Remaining* fields are absent once the payment order is
// fully captured, cancelled or reversed respectively.
type PaymentOrder struct {
	ID                          string `json:"id"`
	Status                      string `json:"status"`
	Amount                      int64  `json:"amount"`
	VATAmount                   int64  `json:"vatAmount"`
	RemainingCaptureAmount      *int64 `json:"remainingCaptureAmount,omitempty"`
	RemainingCancellationAmount *int64 `json:"remainingCancellationAmount,omitempty"`
	RemainingReversalAmount     *int64 `json:"remainingReversalAmount,omitempty"`
}

// FullyCaptured reports whether no capturable amount remains.
func (p *PaymentOrder) FullyCaptured() bool {
	return p.RemainingCaptureAmount == nil
}

// FullyCancelled reports whether no cancellable amount remains.
func (p *PaymentOrder) FullyCancelled() bool {
	return p.RemainingCancellationAmount == nil
}

// FullyReversed reports whether no reversible amount remains.
func (p *PaymentOrder) FullyReversed() bool {
	return p.RemainingReversalAmount == nil
}

// FetchPaymentOrder retrieves the current payment order snapshot.
func FetchPaymentOrder(ctx context.Context, c Client, paymentOrderID string) (*PaymentOrder, error) {
	raw, err := c.Request(ctx, http.MethodGet, paymentOrderID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch payment order %s: %w", paymentOrderID, err)
	}

	var envelope struct {
		PaymentOrder *PaymentOrder `json:"paymentOrder"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode payment order: %w", err)
	}
	if envelope.PaymentOrder == nil {
		// Some endpoints return the snapshot unwrapped.
		var po PaymentOrder
		if err := json.Unmarshal(raw, &po); err != nil || po.ID == "" {
			return nil, fmt.Errorf("payment order missing from response")
		}
		return &po, nil
	}
	return envelope.PaymentOrder, nil
}

// SnapshotCache memoizes payment order snapshots for the lifetime of one
// request or one processor invocation. It is not safe for sharing across
// requests and must not be.
type SnapshotCache struct {
	client Client
	memo   map[string]*PaymentOrder
}

// NewSnapshotCache creates a request-scoped snapshot cache.
func NewSnapshotCache(client Client) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		memo:   make(map[string]*PaymentOrder),
	}
}

// Get fetches the snapshot for a payment order id, at most once.
func (s *SnapshotCache) Get(ctx context.Context, paymentOrderID string) (*PaymentOrder, error) {
	if po, ok := s.memo[paymentOrderID]; ok {
		return po, nil
	}
	po, err := FetchPaymentOrder(ctx, s.client, paymentOrderID)
	if err != nil {
		return nil, err
	}
	s.memo[paymentOrderID] = po
	return po, nil
}
