package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// Canceler releases whatever authorized amount remains uncaptured. The
// provider cancels the remainder as a whole, so no amount or line items
// are sent.
type Canceler struct {
	store     orders.Store
	client    gateway.Client
	processor *Processor
	logger    *slog.Logger
}

func NewCanceler(store orders.Store, client gateway.Client, processor *Processor, logger *slog.Logger) *Canceler {
	return &Canceler{
		store:     store,
		client:    client,
		processor: processor,
		logger:    logger,
	}
}

// Cancel releases the remaining authorization. An already-cancelled
// order is a no-op and yields a nil transaction.
func (c *Canceler) Cancel(ctx context.Context, orderID string) (*gateway.Transaction, error) {
	ctx = orders.WithoutReactions(ctx)

	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	if order.PaymentOrderID == "" {
		return nil, ErrMissingPaymentOrder
	}
	if order.Status == orders.StatusCancelled {
		// Cancellation already reconciled; nothing to release.
		return nil, nil
	}

	req := wrapTransaction(transactionRequest{
		Description:    fmt.Sprintf("Cancelling remaining authorization for order %s", order.Number),
		PayeeReference: newPayeeReference(),
	})

	raw, err := c.client.Request(ctx, http.MethodPost, order.PaymentOrderID+"/cancellations", req)
	if err != nil {
		return nil, err
	}
	result, err := decodeTransaction(raw, "cancellation")
	if err != nil {
		return nil, err
	}
	txn := result.Transaction

	c.logger.Info("cancellation issued",
		slog.String("order_id", order.ID),
		slog.Int64("txn_number", txn.Number))

	if err := c.processor.Process(ctx, order.ID, txn); err != nil {
		return nil, err
	}
	return &txn, nil
}
