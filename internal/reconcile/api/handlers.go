package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/common/api"
	"payrecon/internal/common/database"
	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
	"payrecon/internal/reconcile"
)

// Handler exposes the admin-facing settlement actions.
type Handler struct {
	store    orders.Store
	client   gateway.Client
	capturer *reconcile.Capturer
	canceler *reconcile.Canceler
	refunder *reconcile.Refunder
	ledger   *reconcile.Ledger
	logger   *slog.Logger
}

func NewHandler(store orders.Store, client gateway.Client, capturer *reconcile.Capturer, canceler *reconcile.Canceler, refunder *reconcile.Refunder, ledger *reconcile.Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		client:   client,
		capturer: capturer,
		canceler: canceler,
		refunder: refunder,
		ledger:   ledger,
		logger:   logger,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/", h.getFinancialState)
		r.Post("/capture", h.capture)
		r.Post("/cancel", h.cancel)
		r.Post("/refund", h.refund)
	})
	return r
}

type captureRequest struct {
	Lines []captureLine `json:"lines" validate:"omitempty,dive"`
}

type captureLine struct {
	Reference string `json:"reference" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type refundRequest struct {
	Lines        []refundLine `json:"lines" validate:"omitempty,dive"`
	Amount       *int64       `json:"amount" validate:"omitempty,gt=0"`
	VATAmount    int64        `json:"vatAmount"`
	Reason       string       `json:"reason"`
	CreateCredit bool         `json:"createCredit"`
}

type refundLine struct {
	Reference  string `json:"reference"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Quantity   int    `json:"quantity" validate:"required,gt=0"`
	Total      int64  `json:"total" validate:"gte=0"`
	Tax        int64  `json:"tax" validate:"gte=0"`
	VATPercent int64  `json:"vatPercent"`
}

type transactionResponse struct {
	Number int64  `json:"number"`
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req captureRequest
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	lines, err := h.resolveCaptureLines(r.Context(), orderID, req.Lines)
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}

	txn, err := h.capturer.Capture(r.Context(), orderID, lines)
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}
	api.WriteSuccess(w, toTransactionResponse(txn))
}

// resolveCaptureLines maps requested references back onto order lines,
// scaled to the requested quantity. A nil request means capture the rest.
func (h *Handler) resolveCaptureLines(ctx context.Context, orderID string, requested []captureLine) ([]orders.OrderLine, error) {
	if requested == nil {
		return nil, nil
	}
	items, err := h.store.Items(ctx, orderID)
	if err != nil {
		return nil, err
	}
	resolved := make([]orders.OrderLine, 0, len(requested))
	for _, want := range requested {
		found := false
		for _, line := range items {
			if line.Reference != want.Reference {
				continue
			}
			resolved = append(resolved, reconcile.PartialLine(line, want.Quantity))
			found = true
			break
		}
		if !found {
			return nil, &reconcile.OverCaptureError{Reference: want.Reference}
		}
	}
	return resolved, nil
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	txn, err := h.canceler.Cancel(r.Context(), orderID)
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}
	if txn == nil {
		api.WriteSuccess(w, "Order is already cancelled; no authorization left to release")
		return
	}
	api.WriteSuccess(w, toTransactionResponse(txn))
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req refundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	order, err := h.store.Get(r.Context(), orderID)
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}

	var txn *gateway.Transaction
	if req.Amount != nil {
		txn, err = h.refunder.RefundAmount(r.Context(), orderID,
			money.New(*req.Amount, order.Currency),
			money.New(req.VATAmount, order.Currency),
			req.Reason)
	} else {
		lines := make([]reconcile.RefundLine, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, reconcile.RefundLine{
				Reference:  l.Reference,
				Name:       l.Name,
				Kind:       orders.LineKind(l.Kind),
				Quantity:   l.Quantity,
				Total:      money.New(l.Total, order.Currency),
				Tax:        money.New(l.Tax, order.Currency),
				VATPercent: l.VATPercent,
			})
		}
		txn, err = h.refunder.Refund(r.Context(), orderID, lines, req.Reason, req.CreateCredit)
	}
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}
	api.WriteSuccess(w, toTransactionResponse(txn))
}

type financialState struct {
	OrderID        string                   `json:"orderId"`
	Status         orders.Status            `json:"status"`
	PaymentOrderID string                   `json:"paymentOrderId,omitempty"`
	Applied        []int64                  `json:"appliedTransactions"`
	Captured       []reconcile.ItemQuantity `json:"capturedItems"`
	Refunded       []reconcile.ItemQuantity `json:"refundedItems"`
	Remote         *gateway.PaymentOrder    `json:"paymentOrder,omitempty"`
}

func (h *Handler) getFinancialState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	order, err := h.store.Get(ctx, orderID)
	if err != nil {
		h.writeActionError(w, r, err)
		return
	}

	state := financialState{
		OrderID:        order.ID,
		Status:         order.Status,
		PaymentOrderID: order.PaymentOrderID,
	}
	if state.Applied, err = h.ledger.AppliedNumbers(ctx, orderID); err != nil {
		h.writeActionError(w, r, err)
		return
	}
	if state.Captured, err = h.ledger.CapturedItems(ctx, orderID); err != nil {
		h.writeActionError(w, r, err)
		return
	}
	if state.Refunded, err = h.ledger.RefundedItems(ctx, orderID); err != nil {
		h.writeActionError(w, r, err)
		return
	}
	if order.PaymentOrderID != "" {
		po, err := gateway.FetchPaymentOrder(ctx, h.client, order.PaymentOrderID)
		if err != nil {
			h.logger.Warn("payment order snapshot unavailable",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()))
		} else {
			state.Remote = po
		}
	}
	api.WriteSuccess(w, state)
}

// writeActionError maps settlement errors onto the admin response
// contract. Provider rejections surface their user-facing message
// verbatim so the admin sees what the payment service said.
func (h *Handler) writeActionError(w http.ResponseWriter, r *http.Request, err error) {
	var notCaptured *reconcile.NotCapturedError
	var overCapture *reconcile.OverCaptureError
	var provider *gateway.ProviderError

	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "Order not found")
	case errors.Is(err, reconcile.ErrMissingPaymentOrder):
		api.UnprocessableEntity(w, "Order has no payment to settle")
	case errors.Is(err, reconcile.ErrNothingToCapture):
		api.UnprocessableEntity(w, "Nothing left to capture on this order")
	case errors.Is(err, reconcile.ErrNothingToRefund):
		api.UnprocessableEntity(w, "No refundable amount remains on the requested lines")
	case errors.Is(err, reconcile.ErrOrderClosed):
		api.UnprocessableEntity(w, "Order is closed for settlement actions")
	case errors.As(err, &notCaptured):
		api.UnprocessableEntity(w, notCaptured.Error())
	case errors.As(err, &overCapture):
		api.UnprocessableEntity(w, overCapture.Error())
	case errors.As(err, &provider):
		api.UnprocessableEntity(w, provider.UserMessage())
	default:
		h.logger.Error("settlement action failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		api.InternalError(w, "An unexpected error occurred")
	}
}

func toTransactionResponse(txn *gateway.Transaction) *transactionResponse {
	if txn == nil {
		return nil
	}
	return &transactionResponse{
		Number: txn.Number,
		Type:   string(txn.Type),
		Amount: txn.Amount,
	}
}
