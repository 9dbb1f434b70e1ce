package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"payrecon/internal/orders"
)

// Metadata keys persisted on the order. All reads go through the store so
// concurrent writers on other connections are observed.
const (
	metaTransactionLedger   = "txn_ledger"
	metaCapturedItems       = "captured_items"
	metaRefundedItems       = "refunded_items"
	metaRefundMode          = "refund_mode"
	metaSkipOrderManagement = "skip_order_management"
)

const refundModeAmount = "amount"

// ItemQuantity is one entry of a per-line quantity tracker.
type ItemQuantity struct {
	Reference string `json:"reference"`
	Quantity  int    `json:"quantity"`
}

// QuantityFor returns the tracked quantity for a line reference, zero when
// the reference is absent.
func QuantityFor(items []ItemQuantity, reference string) int {
	for _, it := range items {
		if it.Reference == reference {
			return it.Quantity
		}
	}
	return 0
}

func mergeQuantities(existing, add []ItemQuantity) []ItemQuantity {
	merged := slices.Clone(existing)
	for _, a := range add {
		found := false
		for i := range merged {
			if merged[i].Reference == a.Reference {
				merged[i].Quantity += a.Quantity
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, a)
		}
	}
	return merged
}

// Ledger records which transaction numbers have been applied to an order
// and tracks captured and refunded quantities per line. Every check reads
// the backing store directly rather than a cached order.
type Ledger struct {
	store orders.Store
}

func NewLedger(store orders.Store) *Ledger {
	return &Ledger{store: store}
}

// AppliedNumbers returns the transaction numbers already applied to the
// order, freshly read from the store.
func (l *Ledger) AppliedNumbers(ctx context.Context, orderID string) ([]int64, error) {
	return l.readNumbers(ctx, orderID)
}

// HasApplied reports whether the transaction number is already recorded on
// the order.
func (l *Ledger) HasApplied(ctx context.Context, orderID string, number int64) (bool, error) {
	numbers, err := l.readNumbers(ctx, orderID)
	if err != nil {
		return false, err
	}
	return slices.Contains(numbers, number), nil
}

// MarkApplied appends the transaction number to the order's ledger. It is
// called only after the transaction's effects have been applied.
func (l *Ledger) MarkApplied(ctx context.Context, orderID string, number int64) error {
	numbers, err := l.readNumbers(ctx, orderID)
	if err != nil {
		return err
	}
	if slices.Contains(numbers, number) {
		return nil
	}
	numbers = append(numbers, number)
	return l.writeJSON(ctx, orderID, metaTransactionLedger, numbers)
}

func (l *Ledger) readNumbers(ctx context.Context, orderID string) ([]int64, error) {
	raw, err := l.store.GetMeta(ctx, orderID, metaTransactionLedger)
	if err != nil {
		return nil, fmt.Errorf("reading transaction ledger: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var numbers []int64
	if err := json.Unmarshal([]byte(raw), &numbers); err != nil {
		return nil, fmt.Errorf("decoding transaction ledger: %w", err)
	}
	return numbers, nil
}

// CapturedItems returns the per-line captured quantities for the order.
func (l *Ledger) CapturedItems(ctx context.Context, orderID string) ([]ItemQuantity, error) {
	return l.readItems(ctx, orderID, metaCapturedItems)
}

// RefundedItems returns the per-line refunded quantities for the order.
func (l *Ledger) RefundedItems(ctx context.Context, orderID string) ([]ItemQuantity, error) {
	return l.readItems(ctx, orderID, metaRefundedItems)
}

// MergeCaptured folds newly captured quantities into the captured tracker.
func (l *Ledger) MergeCaptured(ctx context.Context, orderID string, add []ItemQuantity) error {
	return l.mergeItems(ctx, orderID, metaCapturedItems, add)
}

// MergeRefunded folds newly refunded quantities into the refunded tracker.
func (l *Ledger) MergeRefunded(ctx context.Context, orderID string, add []ItemQuantity) error {
	return l.mergeItems(ctx, orderID, metaRefundedItems, add)
}

func (l *Ledger) readItems(ctx context.Context, orderID, key string) ([]ItemQuantity, error) {
	raw, err := l.store.GetMeta(ctx, orderID, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s tracker: %w", key, err)
	}
	if raw == "" {
		return nil, nil
	}
	var items []ItemQuantity
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decoding %s tracker: %w", key, err)
	}
	return items, nil
}

func (l *Ledger) mergeItems(ctx context.Context, orderID, key string, add []ItemQuantity) error {
	if len(add) == 0 {
		return nil
	}
	existing, err := l.readItems(ctx, orderID, key)
	if err != nil {
		return err
	}
	return l.writeJSON(ctx, orderID, key, mergeQuantities(existing, add))
}

// RefundMode returns the persisted refund mode for the order. An empty
// string means line-item refunds are still in effect.
func (l *Ledger) RefundMode(ctx context.Context, orderID string) (string, error) {
	mode, err := l.store.GetMeta(ctx, orderID, metaRefundMode)
	if err != nil {
		return "", fmt.Errorf("reading refund mode: %w", err)
	}
	return mode, nil
}

// SetAmountRefundMode pins the order to amount-only refunds. Once a refund
// has been issued without line items, later refunds skip line math too.
func (l *Ledger) SetAmountRefundMode(ctx context.Context, orderID string) error {
	if err := l.store.SetMeta(ctx, orderID, metaRefundMode, refundModeAmount); err != nil {
		return fmt.Errorf("persisting refund mode: %w", err)
	}
	return nil
}

func (l *Ledger) writeJSON(ctx context.Context, orderID, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := l.store.SetMeta(ctx, orderID, key, string(b)); err != nil {
		return fmt.Errorf("persisting %s: %w", key, err)
	}
	return nil
}
