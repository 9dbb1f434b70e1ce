package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// Processor applies remote transactions to local orders, exactly once per
// transaction number. It is the single write path for payment-driven order
// changes: webhooks, queue retries and orchestrators all feed through it.
type Processor struct {
	store     orders.Store
	ledger    *Ledger
	client    gateway.Client
	lifecycle *orders.Lifecycle
	logger    *slog.Logger
}

func NewProcessor(store orders.Store, ledger *Ledger, client gateway.Client, lifecycle *orders.Lifecycle, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		ledger:    ledger,
		client:    client,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Process applies one transaction to the order. Re-delivery of an already
// applied transaction number returns nil without touching the order or the
// provider. The transaction is marked applied only after its effects have
// been persisted, so a failure here leaves it eligible for retry.
func (p *Processor) Process(ctx context.Context, orderID string, txn gateway.Transaction) error {
	order, err := p.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("loading order %s: %w", orderID, err)
	}

	applied, err := p.ledger.HasApplied(ctx, orderID, txn.Number)
	if err != nil {
		return err
	}
	if applied {
		p.logger.Debug("transaction already applied, skipping",
			slog.String("order_id", orderID),
			slog.Int64("txn_number", txn.Number))
		return nil
	}

	snapshots := gateway.NewSnapshotCache(p.client)
	ref := strconv.FormatInt(txn.Number, 10)

	switch txn.Type {
	case gateway.TypeVerification, gateway.TypeAuthorization, gateway.TypeSale:
		if err := p.applyPayment(ctx, order, txn, ref); err != nil {
			return err
		}
	case gateway.TypeCapture:
		if err := p.applyCapture(ctx, order, txn, ref, snapshots); err != nil {
			return err
		}
	case gateway.TypeCancellation:
		if err := p.lifecycle.MarkCancelled(ctx, order.ID, ref); err != nil {
			return err
		}
	case gateway.TypeReversal:
		if err := p.applyReversal(ctx, order, txn, ref, snapshots); err != nil {
			return err
		}
	default:
		return &UnknownTransactionTypeError{Type: string(txn.Type)}
	}

	return p.ledger.MarkApplied(ctx, order.ID, txn.Number)
}

// applyPayment handles the three transaction types that confirm payment.
// A zero-value verification flags the order so downstream capture and
// cancel flows know there is nothing to settle.
func (p *Processor) applyPayment(ctx context.Context, order *orders.Order, txn gateway.Transaction, ref string) error {
	if txn.Type == gateway.TypeVerification && order.Total.IsZero() {
		if err := p.store.SetMeta(ctx, order.ID, metaSkipOrderManagement, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("flagging zero-value verification: %w", err)
		}
		p.logger.Info("zero-value order verified, settlement skipped",
			slog.String("order_id", order.ID))
	}
	return p.lifecycle.MarkPaymentComplete(ctx, order.ID, ref)
}

func (p *Processor) applyCapture(ctx context.Context, order *orders.Order, txn gateway.Transaction, ref string, snapshots *gateway.SnapshotCache) error {
	if order.PaymentOrderID == "" {
		return ErrMissingPaymentOrder
	}
	po, err := snapshots.Get(ctx, order.PaymentOrderID)
	if err != nil {
		return err
	}
	captured := money.New(txn.Amount, order.Currency)
	if po.FullyCaptured() {
		if err := p.store.AddNote(ctx, order.ID,
			fmt.Sprintf("Payment fully captured (%s). Transaction: %s.", captured, ref)); err != nil {
			return err
		}
		// A full capture settles the payment; for orders that never saw a
		// separate Sale/Authorization this is where payment completes.
		return p.lifecycle.MarkPaymentComplete(ctx, order.ID, ref)
	}
	remaining := money.New(*po.RemainingCaptureAmount, order.Currency)
	return p.store.AddNote(ctx, order.ID,
		fmt.Sprintf("Payment partially captured (%s), %s remaining. Transaction: %s.", captured, remaining, ref))
}

// applyReversal promotes the order to refunded only when the provider
// confirms nothing reversible remains. Partial reversals leave the status
// alone and record a note. The refunded transition runs with reactions
// suppressed so the platform's own refund hooks do not fire a second
// refund against the provider.
func (p *Processor) applyReversal(ctx context.Context, order *orders.Order, txn gateway.Transaction, ref string, snapshots *gateway.SnapshotCache) error {
	if order.PaymentOrderID == "" {
		return ErrMissingPaymentOrder
	}
	po, err := snapshots.Get(ctx, order.PaymentOrderID)
	if err != nil {
		return err
	}
	reversed := money.New(txn.Amount, order.Currency)
	if !po.FullyReversed() {
		remaining := money.New(*po.RemainingReversalAmount, order.Currency)
		return p.store.AddNote(ctx, order.ID,
			fmt.Sprintf("Payment partially reversed (%s), %s remaining. Transaction: %s.", reversed, remaining, ref))
	}
	return p.lifecycle.MarkRefunded(orders.WithoutReactions(ctx), order.ID, ref)
}
