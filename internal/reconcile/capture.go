package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// Capturer settles authorized funds against the provider, in full or for
// a subset of lines. It keeps the captured-items tracker in sync so a
// later partial capture only covers what is still outstanding.
type Capturer struct {
	store     orders.Store
	client    gateway.Client
	processor *Processor
	ledger    *Ledger
	logger    *slog.Logger
}

func NewCapturer(store orders.Store, client gateway.Client, processor *Processor, ledger *Ledger, logger *slog.Logger) *Capturer {
	return &Capturer{
		store:     store,
		client:    client,
		processor: processor,
		ledger:    ledger,
		logger:    logger,
	}
}

// Capture settles the given lines, or everything still uncaptured when
// lines is nil. The resulting transaction is fed back through the
// processor before the tracker is updated, with reactions suppressed so
// the status change cannot re-trigger a capture.
func (c *Capturer) Capture(ctx context.Context, orderID string, lines []orders.OrderLine) (*gateway.Transaction, error) {
	ctx = orders.WithoutReactions(ctx)

	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	if order.PaymentOrderID == "" {
		return nil, ErrMissingPaymentOrder
	}
	if order.Status.IsTerminal() {
		return nil, ErrOrderClosed
	}
	if skip, err := c.store.GetMeta(ctx, orderID, metaSkipOrderManagement); err != nil {
		return nil, err
	} else if skip != "" {
		return nil, ErrNothingToCapture
	}

	captured, err := c.ledger.CapturedItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if lines == nil {
		lines = remainingCapturable(order.Lines, captured)
	} else {
		for _, line := range lines {
			available := orderedQuantity(order.Lines, line.Reference) - QuantityFor(captured, line.Reference)
			if line.Quantity > available {
				return nil, &OverCaptureError{Reference: line.Reference}
			}
		}
	}
	if len(lines) == 0 {
		return nil, ErrNothingToCapture
	}

	amount := money.Zero(order.Currency)
	vat := money.Zero(order.Currency)
	items := make([]orderItem, 0, len(lines))
	for _, line := range lines {
		amount = amount.MustAdd(line.Amount)
		vat = vat.MustAdd(line.VATAmount)
		items = append(items, captureItem(line))
	}

	req := wrapTransaction(transactionRequest{
		Amount:         amount.Minor,
		VATAmount:      vat.Minor,
		Description:    fmt.Sprintf("Capture for order %s", order.Number),
		PayeeReference: newPayeeReference(),
		OrderItems:     items,
	})

	raw, err := c.client.Request(ctx, http.MethodPost, order.PaymentOrderID+"/captures", req)
	if err != nil {
		return nil, err
	}
	result, err := decodeTransaction(raw, "capture")
	if err != nil {
		return nil, err
	}
	txn := result.Transaction

	c.logger.Info("capture issued",
		slog.String("order_id", order.ID),
		slog.Int64("txn_number", txn.Number),
		slog.String("amount", amount.String()))

	if err := c.processor.Process(ctx, order.ID, txn); err != nil {
		return nil, err
	}
	if err := c.ledger.MergeCaptured(ctx, order.ID, lineQuantities(lines)); err != nil {
		return nil, err
	}
	return &txn, nil
}

// remainingCapturable computes the still-uncaptured portion of each order
// line. The remainder amount is the line total minus the proportional
// share already captured, so splitting a line across captures never loses
// or invents a minor unit to rounding.
func remainingCapturable(ordered []orders.OrderLine, captured []ItemQuantity) []orders.OrderLine {
	var remaining []orders.OrderLine
	for _, line := range ordered {
		done := QuantityFor(captured, line.Reference)
		left := line.Quantity - done
		if left <= 0 {
			continue
		}
		rest := line
		rest.Quantity = left
		rest.Amount = line.Amount.MustSub(scaleAmount(line.Amount, done, line.Quantity))
		rest.VATAmount = line.VATAmount.MustSub(scaleAmount(line.VATAmount, done, line.Quantity))
		remaining = append(remaining, rest)
	}
	return remaining
}

// PartialLine returns the line reduced to the given quantity, with its
// amount and tax scaled proportionally.
func PartialLine(line orders.OrderLine, quantity int) orders.OrderLine {
	if quantity >= line.Quantity {
		return line
	}
	return scaleLine(line, quantity)
}

func scaleLine(line orders.OrderLine, quantity int) orders.OrderLine {
	if quantity == line.Quantity {
		return line
	}
	scaled := line
	scaled.Quantity = quantity
	scaled.Amount = scaleAmount(line.Amount, quantity, line.Quantity)
	scaled.VATAmount = scaleAmount(line.VATAmount, quantity, line.Quantity)
	return scaled
}

func orderedQuantity(lines []orders.OrderLine, reference string) int {
	for _, line := range lines {
		if line.Reference == reference {
			return line.Quantity
		}
	}
	return 0
}

func lineQuantities(lines []orders.OrderLine) []ItemQuantity {
	quantities := make([]ItemQuantity, 0, len(lines))
	for _, line := range lines {
		quantities = append(quantities, ItemQuantity{Reference: line.Reference, Quantity: line.Quantity})
	}
	return quantities
}

func captureItem(line orders.OrderLine) orderItem {
	typ, class := lineTypeAndClass(line.Kind)
	return orderItem{
		Reference:    sanitizeReference(line.Reference),
		Name:         line.Name,
		Type:         typ,
		Class:        class,
		Quantity:     line.Quantity,
		QuantityUnit: "pcs",
		UnitPrice:    line.UnitPrice.Minor,
		VATPercent:   line.VATPercent,
		Amount:       line.Amount.Minor,
		VATAmount:    line.VATAmount.Minor,
	}
}
