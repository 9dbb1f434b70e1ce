// Package orders models the merchant platform's order and its lifecycle.
package orders

import (
	"context"
	"time"

	"payrecon/internal/common/money"
)

// Status represents the order lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOnHold     Status = "on-hold"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further automatic transitions may leave
// this status.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusRefunded || s == StatusFailed
}

// IsPaid reports whether the status counts as payment-complete.
func (s Status) IsPaid() bool {
	return s == StatusProcessing || s == StatusCompleted || s == StatusRefunded
}

// LineKind classifies an order line.
type LineKind string

const (
	KindProduct  LineKind = "PRODUCT"
	KindShipping LineKind = "SHIPPING_FEE"
	KindFee      LineKind = "PAYMENT_FEE"
	KindCoupon   LineKind = "DISCOUNT"
	KindOther    LineKind = "OTHER"
)

// OrderLine is one purchasable line on an order. Reference is a stable
// SKU-like identifier matching [\w-]*.
type OrderLine struct {
	Reference  string       `json:"reference"`
	Name       string       `json:"name"`
	Kind       LineKind     `json:"kind"`
	Quantity   int          `json:"quantity"`
	UnitPrice  money.Amount `json:"unit_price"`
	VATPercent int64        `json:"vat_percent"` // hundredths of a percent, 2500 = 25%
	Amount     money.Amount `json:"amount"`
	VATAmount  money.Amount `json:"vat_amount"`
}

// Note is one audit note on an order.
type Note struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Order is the locally tracked order. The reconciliation engine owns only
// the payment fields and metadata; everything else belongs to the platform.
type Order struct {
	ID       string         `json:"id"`
	Number   string         `json:"number"`
	Status   Status         `json:"status"`
	Currency money.Currency `json:"currency"`
	Total    money.Amount   `json:"total"`
	VATTotal money.Amount   `json:"vat_total"`
	Lines    []OrderLine    `json:"lines"`

	PaymentOrderID string     `json:"payment_order_id,omitempty"`
	PayeeReference string     `json:"payee_reference,omitempty"`
	PaymentRef     string     `json:"payment_ref,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Notes    []Note            `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the platform-owned order persistence contract. GetMeta and
// SetMeta hit the backing store directly so callers can re-read metadata
// written by concurrent requests.
type Store interface {
	Get(ctx context.Context, orderID string) (*Order, error)
	GetByPaymentOrderID(ctx context.Context, paymentOrderID string) (*Order, error)
	GetMeta(ctx context.Context, orderID, key string) (string, error)
	SetMeta(ctx context.Context, orderID, key, value string) error
	SetStatus(ctx context.Context, orderID string, status Status, note string) error
	SetPaid(ctx context.Context, orderID, paymentRef string, paidAt time.Time) error
	AddNote(ctx context.Context, orderID, text string) error
	Save(ctx context.Context, order *Order) error
	Items(ctx context.Context, orderID string) ([]OrderLine, error)
}

// Reentrancy suppression for the status-change observer. Orchestrators
// mark the context before causing a transition so their own status change
// does not trigger another capture/cancel/refund attempt.
type suppressKey struct{}

// WithoutReactions marks the context so status-change reactions are skipped.
func WithoutReactions(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// ReactionsSuppressed reports whether status-change reactions are suppressed.
func ReactionsSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}
