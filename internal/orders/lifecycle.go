package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StatusObserver is invoked after a lifecycle transition unless the
// context suppresses reactions. The platform hooks automatic order
// management (auto-capture on completion and the like) in here.
type StatusObserver func(ctx context.Context, order *Order, from, to Status)

// Lifecycle drives order status transitions on behalf of the
// reconciliation engine. All transitions are idempotent: setting a status
// the order already has appends a note and nothing else.
type Lifecycle struct {
	store    Store
	observer StatusObserver
	logger   *slog.Logger
}

// NewLifecycle creates a lifecycle driver.
func NewLifecycle(store Store, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, logger: logger}
}

// SetObserver registers the status-change observer.
func (l *Lifecycle) SetObserver(obs StatusObserver) {
	l.observer = obs
}

// MarkPaymentComplete records payment and moves the order to processing.
// If the order is already paid only a note is appended.
func (l *Lifecycle) MarkPaymentComplete(ctx context.Context, orderID, transactionRef string) error {
	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if order.PaidAt != nil {
		return l.store.AddNote(ctx, orderID,
			fmt.Sprintf("Payment notification for transaction %s received; order already paid.", transactionRef))
	}

	if err := l.store.SetPaid(ctx, orderID, transactionRef, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	note := fmt.Sprintf("Payment completed. Transaction: %s.", transactionRef)
	if err := l.transition(ctx, order, StatusProcessing, note); err != nil {
		return err
	}

	l.logger.Info("order payment complete",
		"order_id", orderID,
		"transaction", transactionRef,
	)
	return nil
}

// MarkCancelled moves the order to cancelled. Cancelled is terminal: a
// second cancellation appends a note only.
func (l *Lifecycle) MarkCancelled(ctx context.Context, orderID, transactionRef string) error {
	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if order.Status == StatusCancelled {
		return l.store.AddNote(ctx, orderID,
			fmt.Sprintf("Cancellation transaction %s received; order already cancelled.", transactionRef))
	}
	if order.Status.IsTerminal() {
		return l.store.AddNote(ctx, orderID,
			fmt.Sprintf("Cancellation transaction %s ignored: order is %s.", transactionRef, order.Status))
	}

	note := fmt.Sprintf("Payment cancelled. Transaction: %s.", transactionRef)
	if err := l.transition(ctx, order, StatusCancelled, note); err != nil {
		return err
	}

	l.logger.Info("order cancelled",
		"order_id", orderID,
		"transaction", transactionRef,
	)
	return nil
}

// MarkRefunded moves the order to refunded. Only full reversals call this;
// partial reversals never transition status.
func (l *Lifecycle) MarkRefunded(ctx context.Context, orderID, transactionRef string) error {
	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if order.Status == StatusRefunded {
		return l.store.AddNote(ctx, orderID,
			fmt.Sprintf("Reversal transaction %s received; order already refunded.", transactionRef))
	}

	note := fmt.Sprintf("Payment fully reversed. Transaction: %s.", transactionRef)
	if err := l.transition(ctx, order, StatusRefunded, note); err != nil {
		return err
	}

	l.logger.Info("order refunded",
		"order_id", orderID,
		"transaction", transactionRef,
	)
	return nil
}

// MarkFailed moves the order to failed unless it already counts as paid.
func (l *Lifecycle) MarkFailed(ctx context.Context, orderID, reason string) error {
	order, err := l.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if order.Status.IsPaid() {
		return l.store.AddNote(ctx, orderID,
			fmt.Sprintf("Payment failure notification ignored: order already paid. %s", reason))
	}
	if order.Status == StatusFailed {
		return l.store.AddNote(ctx, orderID, fmt.Sprintf("Payment failed (again): %s", reason))
	}

	return l.transition(ctx, order, StatusFailed, fmt.Sprintf("Payment failed: %s", reason))
}

func (l *Lifecycle) transition(ctx context.Context, order *Order, to Status, note string) error {
	from := order.Status
	if err := l.store.SetStatus(ctx, order.ID, to, note); err != nil {
		return fmt.Errorf("set status %s: %w", to, err)
	}
	order.Status = to

	if l.observer != nil && !ReactionsSuppressed(ctx) {
		l.observer(ctx, order, from, to)
	}
	return nil
}
