package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

// RefundLine is one line of a refund request, expressed as the platform
// hands it over: a line total plus its tax, not a unit price. Whether
// Total already includes Tax depends on the platform's price display
// setting.
type RefundLine struct {
	Reference  string
	Name       string
	Kind       orders.LineKind
	Quantity   int
	Total      money.Amount
	Tax        money.Amount
	VATPercent int64
}

// Refunder reverses captured funds. Line-item refunds are validated
// against the captured-minus-refunded tracker; orders that have seen an
// amount-only refund stay in amount mode for good.
type Refunder struct {
	store            orders.Store
	client           gateway.Client
	processor        *Processor
	ledger           *Ledger
	credits          orders.CreditWriter
	pricesIncludeTax bool
	logger           *slog.Logger
}

func NewRefunder(store orders.Store, client gateway.Client, processor *Processor, ledger *Ledger, credits orders.CreditWriter, pricesIncludeTax bool, logger *slog.Logger) *Refunder {
	return &Refunder{
		store:            store,
		client:           client,
		processor:        processor,
		ledger:           ledger,
		credits:          credits,
		pricesIncludeTax: pricesIncludeTax,
		logger:           logger,
	}
}

// Refund reverses the given lines. Lines whose charged amount rounds to
// at most one minor unit are dropped and stay unrefunded, since the
// provider rejects zero-amount items. Orders in amount mode get a bare
// amount reversal instead of line items.
func (r *Refunder) Refund(ctx context.Context, orderID string, lines []RefundLine, reason string, createCredit bool) (*gateway.Transaction, error) {
	ctx = orders.WithoutReactions(ctx)

	order, err := r.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	if order.PaymentOrderID == "" {
		return nil, ErrMissingPaymentOrder
	}

	mode, err := r.ledger.RefundMode(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if mode == refundModeAmount {
		total, tax, err := r.sumRefundLines(order.Currency, lines)
		if err != nil {
			return nil, err
		}
		return r.refundAmount(ctx, order, total, tax, reason)
	}

	captured, err := r.ledger.CapturedItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	refunded, err := r.ledger.RefundedItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(captured) > 0 {
		for _, line := range lines {
			ref := sanitizedOrDerived(line)
			available := QuantityFor(captured, ref) - QuantityFor(refunded, ref)
			if line.Quantity > available {
				return nil, &NotCapturedError{Reference: ref}
			}
		}
	}

	items, quantities, kept := r.refundItems(lines)
	if len(items) == 0 {
		return nil, ErrNothingToRefund
	}

	total := money.Zero(order.Currency)
	tax := money.Zero(order.Currency)
	for _, line := range kept {
		if total, err = total.Add(line.Amount); err != nil {
			return nil, err
		}
		if tax, err = tax.Add(line.VATAmount); err != nil {
			return nil, err
		}
	}

	req := wrapTransaction(transactionRequest{
		Amount:         total.Minor,
		VATAmount:      tax.Minor,
		Description:    refundDescription(order.Number, reason),
		PayeeReference: newPayeeReference(),
		OrderItems:     items,
	})

	raw, err := r.client.Request(ctx, http.MethodPost, order.PaymentOrderID+"/reversals", req)
	if err != nil {
		return nil, err
	}
	result, err := decodeTransaction(raw, "reversal")
	if err != nil {
		return nil, err
	}
	txn := result.Transaction

	r.logger.Info("reversal issued",
		slog.String("order_id", order.ID),
		slog.Int64("txn_number", txn.Number),
		slog.String("amount", total.String()))

	if err := r.processor.Process(ctx, order.ID, txn); err != nil {
		return nil, err
	}
	if err := r.ledger.MergeRefunded(ctx, order.ID, quantities); err != nil {
		return nil, err
	}

	if createCredit {
		r.recordCredit(ctx, order, total, tax, kept, txn.Number, reason)
	}
	return &txn, nil
}

// RefundAmount reverses a bare amount without line items and pins the
// order to amount mode so later refunds skip line accounting too.
func (r *Refunder) RefundAmount(ctx context.Context, orderID string, total, tax money.Amount, reason string) (*gateway.Transaction, error) {
	ctx = orders.WithoutReactions(ctx)

	order, err := r.store.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	if order.PaymentOrderID == "" {
		return nil, ErrMissingPaymentOrder
	}
	return r.refundAmount(ctx, order, total, tax, reason)
}

func (r *Refunder) refundAmount(ctx context.Context, order *orders.Order, total, tax money.Amount, reason string) (*gateway.Transaction, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", total)
	}

	req := wrapTransaction(transactionRequest{
		Amount:         total.Minor,
		VATAmount:      tax.Minor,
		Description:    refundDescription(order.Number, reason),
		PayeeReference: newPayeeReference(),
	})

	raw, err := r.client.Request(ctx, http.MethodPost, order.PaymentOrderID+"/reversals", req)
	if err != nil {
		return nil, err
	}
	result, err := decodeTransaction(raw, "reversal")
	if err != nil {
		return nil, err
	}
	txn := result.Transaction

	if err := r.ledger.SetAmountRefundMode(ctx, order.ID); err != nil {
		return nil, err
	}
	if err := r.processor.Process(ctx, order.ID, txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// refundItems builds provider line items, dropping near-zero lines whose
// charged amount is at most one minor unit. Quantities are tracked under
// the same references used on the wire so they reconcile against the
// captured tracker, and the kept lines come back in order form for the
// credit record.
func (r *Refunder) refundItems(lines []RefundLine) ([]orderItem, []ItemQuantity, []orders.OrderLine) {
	var items []orderItem
	var quantities []ItemQuantity
	var kept []orders.OrderLine
	for _, line := range lines {
		charged := r.chargedAmount(line)
		if charged.Minor <= 1 {
			continue
		}
		ref := sanitizedOrDerived(line)
		typ, class := lineTypeAndClass(line.Kind)
		items = append(items, orderItem{
			Reference:    ref,
			Name:         line.Name,
			Type:         typ,
			Class:        class,
			Quantity:     line.Quantity,
			QuantityUnit: "pcs",
			UnitPrice:    r.unitPrice(line),
			VATPercent:   line.VATPercent,
			Amount:       charged.Minor,
			VATAmount:    line.Tax.Minor,
		})
		quantities = append(quantities, ItemQuantity{Reference: ref, Quantity: line.Quantity})
		kept = append(kept, orders.OrderLine{
			Reference:  ref,
			Name:       line.Name,
			Kind:       line.Kind,
			Quantity:   line.Quantity,
			UnitPrice:  money.New(r.unitPrice(line), charged.Currency),
			VATPercent: line.VATPercent,
			Amount:     charged,
			VATAmount:  line.Tax,
		})
	}
	return items, quantities, kept
}

// chargedAmount is what the customer actually paid for the line. With
// tax-inclusive display the platform's line total already carries the
// tax; with tax-exclusive display the tax must be added back.
func (r *Refunder) chargedAmount(line RefundLine) money.Amount {
	if r.pricesIncludeTax {
		return line.Total
	}
	return line.Total.MustAdd(line.Tax)
}

// unitPrice derives the per-unit charged price the provider expects.
func (r *Refunder) unitPrice(line RefundLine) int64 {
	qty := line.Quantity
	if qty <= 0 {
		qty = 1
	}
	return decimal.NewFromInt(r.chargedAmount(line).Minor).
		Div(decimal.NewFromInt(int64(qty))).
		Round(0).
		IntPart()
}

// sanitizedOrDerived picks a wire reference for a refund line. Named
// lines keep their sanitized reference; structural lines without one get
// a stable name by kind, and anything else a random fallback.
func sanitizedOrDerived(line RefundLine) string {
	if line.Reference != "" {
		return sanitizeReference(line.Reference)
	}
	switch line.Kind {
	case orders.KindShipping:
		return "shipping"
	case orders.KindFee:
		return "fee"
	case orders.KindCoupon:
		return "coupon"
	default:
		return randomReference()
	}
}

// recordCredit writes an accounting credit for the refund. Failures are
// logged, not returned: the money has already moved and the refund must
// not be reported as failed.
func (r *Refunder) recordCredit(ctx context.Context, order *orders.Order, total, tax money.Amount, lines []orders.OrderLine, txnNumber int64, reason string) {
	if r.credits == nil {
		return
	}
	credit := &orders.CreditRecord{
		ID:                ulid.Make().String(),
		OrderID:           order.ID,
		TransactionNumber: txnNumber,
		Reason:            reason,
		Lines:             lines,
		Total:             total,
		VATTotal:          tax,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.credits.CreateCredit(ctx, credit); err != nil {
		r.logger.Error("credit record failed after successful reversal",
			slog.String("order_id", order.ID),
			slog.Int64("txn_number", txnNumber),
			slog.String("error", err.Error()))
	}
}

func refundDescription(orderNumber, reason string) string {
	if reason == "" {
		return fmt.Sprintf("Refund for order %s", orderNumber)
	}
	return fmt.Sprintf("Refund for order %s: %s", orderNumber, reason)
}

func (r *Refunder) sumRefundLines(currency money.Currency, lines []RefundLine) (money.Amount, money.Amount, error) {
	total := money.Zero(currency)
	tax := money.Zero(currency)
	for _, line := range lines {
		var err error
		if total, err = total.Add(r.chargedAmount(line)); err != nil {
			return total, tax, err
		}
		if tax, err = tax.Add(line.Tax); err != nil {
			return total, tax, err
		}
	}
	return total, tax, nil
}
