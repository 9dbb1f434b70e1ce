package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"payrecon/internal/common/api"
	"payrecon/internal/common/database"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// Notification is the provider's webhook payload. Only the identifiers
// are trusted; amounts are carried along for display but the processor
// re-reads the provider before making promises.
type Notification struct {
	PaymentOrder struct {
		ID string `json:"id" validate:"required"`
	} `json:"paymentOrder" validate:"required"`
	Transaction struct {
		Number    int64  `json:"number" validate:"required"`
		Type      string `json:"type"`
		Amount    int64  `json:"amount"`
		VATAmount int64  `json:"vatAmount"`
	} `json:"transaction" validate:"required"`
}

// ValidationError rejects a webhook payload without failing the delivery.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid notification: " + e.Reason
}

// IngestOptions carries per-delivery context from the HTTP layer.
type IngestOptions struct {
	// Source identifies the delivery channel, e.g. "webhook" or "replay".
	Source string
	// PayeeReference, when set, must match the order's stored reference.
	// Used by callback URLs that identify the order by reference instead
	// of payment order id.
	PayeeReference string
	// OrderID pins resolution to a specific order. The notification's
	// payment order id must still match.
	OrderID string
}

// ScheduleHandle identifies a successfully queued notification.
type ScheduleHandle struct {
	ItemID       string
	OrderID      string
	ProcessAfter time.Time
}

// Scheduler accepts notifications for delayed processing.
type Scheduler interface {
	Enqueue(ctx context.Context, item *Item) error
}

// Ingestor validates raw webhook payloads, resolves them to local orders
// and schedules them on the reconciliation queue with a fixed delay.
type Ingestor struct {
	store  orders.Store
	queue  Scheduler
	delay  time.Duration
	logger *slog.Logger
}

func NewIngestor(store orders.Store, queue Scheduler, delay time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		queue:  queue,
		delay:  delay,
		logger: logger,
	}
}

// Ingest validates and schedules one notification. Validation and
// resolution failures return a *ValidationError, which the HTTP layer
// logs and swallows; only scheduling failures are worth a retry from the
// provider.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, opts IngestOptions) (*ScheduleHandle, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON"}
	}
	if err := api.Validate.Struct(&n); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	order, err := i.resolveOrder(ctx, &n, opts)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:             ulid.Make().String(),
		OrderID:        order.ID,
		PaymentOrderID: n.PaymentOrder.ID,
		TxnNumber:      n.Transaction.Number,
		TxnType:        gateway.TransactionType(n.Transaction.Type),
		Amount:         n.Transaction.Amount,
		VATAmount:      n.Transaction.VATAmount,
		Payload:        json.RawMessage(raw),
		Source:         opts.Source,
		ProcessAfter:   time.Now().Add(i.delay),
	}
	if err := i.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("scheduling notification: %w", err)
	}

	i.logger.Info("notification scheduled",
		slog.String("order_id", order.ID),
		slog.Int64("txn_number", item.TxnNumber),
		slog.String("source", opts.Source),
		slog.Time("process_after", item.ProcessAfter))

	return &ScheduleHandle{
		ItemID:       item.ID,
		OrderID:      order.ID,
		ProcessAfter: item.ProcessAfter,
	}, nil
}

// resolveOrder maps the notification to a local order. When the caller
// supplies a payee reference it is compared in constant time against the
// order's stored reference, so the callback URL cannot be used to probe
// for references.
func (i *Ingestor) resolveOrder(ctx context.Context, n *Notification, opts IngestOptions) (*orders.Order, error) {
	var order *orders.Order
	var err error

	switch {
	case opts.OrderID != "":
		order, err = i.store.Get(ctx, opts.OrderID)
	default:
		order, err = i.store.GetByPaymentOrderID(ctx, n.PaymentOrder.ID)
	}
	if err != nil {
		if database.IsNotFound(err) {
			return nil, &ValidationError{Reason: "no order matches the notification"}
		}
		return nil, fmt.Errorf("resolving order: %w", err)
	}

	if order.PaymentOrderID == "" || order.PaymentOrderID != n.PaymentOrder.ID {
		return nil, &ValidationError{Reason: "payment order id does not match the order"}
	}
	if opts.PayeeReference != "" {
		if subtle.ConstantTimeCompare([]byte(opts.PayeeReference), []byte(order.PayeeReference)) != 1 {
			return nil, &ValidationError{Reason: "payee reference mismatch"}
		}
	}
	return order, nil
}
