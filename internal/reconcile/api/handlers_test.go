package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
	"payrecon/internal/reconcile"
)

type stubClient struct {
	respond func(method, path string, body any) (json.RawMessage, error)
}

func (s *stubClient) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if s.respond == nil {
		return nil, fmt.Errorf("unexpected request %s %s", method, path)
	}
	return s.respond(method, path, body)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settlementResponder(envelope string, number int64) func(method, path string, body any) (json.RawMessage, error) {
	txnType := map[string]string{
		"capture":      "Capture",
		"cancellation": "Cancellation",
		"reversal":     "Reversal",
	}[envelope]
	return func(method, path string, body any) (json.RawMessage, error) {
		if method == http.MethodPost {
			b, _ := json.Marshal(map[string]any{
				envelope: map[string]any{
					"transaction": map[string]any{"number": number, "type": txnType, "amount": int64(0)},
				},
			})
			return b, nil
		}
		b, _ := json.Marshal(map[string]any{
			"paymentOrder": map[string]any{"id": "/psp/paymentorders/po-1", "status": "Ready", "amount": int64(10000)},
		})
		return b, nil
	}
}

func newTestHandler(t *testing.T, client gateway.Client) (*Handler, *orders.MemStore) {
	t.Helper()
	store := orders.NewMemStore()
	logger := testLogger()
	lifecycle := orders.NewLifecycle(store, logger)
	ledger := reconcile.NewLedger(store)
	processor := reconcile.NewProcessor(store, ledger, client, lifecycle, logger)
	capturer := reconcile.NewCapturer(store, client, processor, ledger, logger)
	canceler := reconcile.NewCanceler(store, client, processor, logger)
	refunder := reconcile.NewRefunder(store, client, processor, ledger, orders.NewMemCreditStore(), false, logger)
	return NewHandler(store, client, capturer, canceler, refunder, ledger, logger), store
}

func seedAPIOrder(t *testing.T, store *orders.MemStore) {
	t.Helper()
	order := &orders.Order{
		ID:             "ord-1",
		Number:         "1001",
		Status:         orders.StatusPending,
		Currency:       money.SEK,
		Total:          money.New(10000, money.SEK),
		PaymentOrderID: "/psp/paymentorders/po-1",
		Lines: []orders.OrderLine{{
			Reference: "sku-1",
			Name:      "Item",
			Kind:      orders.KindProduct,
			Quantity:  2,
			UnitPrice: money.New(4000, money.SEK),
			Amount:    money.New(8000, money.SEK),
			VATAmount: money.New(2000, money.SEK),
		}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), order))
}

func do(t *testing.T, h *Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestCaptureEndpoint(t *testing.T) {
	t.Parallel()
	client := &stubClient{respond: settlementResponder("capture", 11)}
	h, store := newTestHandler(t, client)
	seedAPIOrder(t, store)

	rec, resp := do(t, h, http.MethodPost, "/orders/ord-1/capture", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["success"])

	data := resp["data"].(map[string]any)
	require.Equal(t, float64(11), data["number"])
}

func TestCaptureEndpointOrderNotFound(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &stubClient{})

	rec, resp := do(t, h, http.MethodPost, "/orders/missing/capture", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, false, resp["success"])
}

func TestRefundEndpointPreconditionFailure(t *testing.T) {
	t.Parallel()
	h, store := newTestHandler(t, &stubClient{})
	seedAPIOrder(t, store)
	// One unit captured; asking to refund two must fail before any call.
	ledger := reconcile.NewLedger(store)
	require.NoError(t, ledger.MergeCaptured(context.Background(), "ord-1", []reconcile.ItemQuantity{{Reference: "sku-1", Quantity: 1}}))

	body := `{"lines":[{"reference":"sku-1","kind":"PRODUCT","quantity":2,"total":8000,"tax":2000}]}`
	rec, resp := do(t, h, http.MethodPost, "/orders/ord-1/refund", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, false, resp["success"])
	require.Contains(t, resp["data"], "sku-1")
}

func TestRefundEndpointSurfacesProviderMessage(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		respond: func(method, path string, body any) (json.RawMessage, error) {
			return nil, &gateway.ProviderError{
				Status: http.StatusBadRequest,
				Title:  "Validation failed",
				Problems: []gateway.Problem{
					{Name: "Payer.Msisdn", Description: "bad format"},
				},
			}
		},
	}
	h, store := newTestHandler(t, client)
	seedAPIOrder(t, store)

	body := `{"amount":1000,"vatAmount":0}`
	rec, resp := do(t, h, http.MethodPost, "/orders/ord-1/refund", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "The phone number format is invalid for the selected payment method.", resp["data"])
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	client := &stubClient{respond: settlementResponder("cancellation", 31)}
	h, store := newTestHandler(t, client)
	seedAPIOrder(t, store)

	rec, resp := do(t, h, http.MethodPost, "/orders/ord-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["success"])

	got, err := store.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancelled, got.Status)

	// A repeated cancel is a no-op but still explains itself instead of
	// answering with a null payload.
	rec, resp = do(t, h, http.MethodPost, "/orders/ord-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["success"])
	require.Contains(t, resp["data"], "already cancelled")
}

func TestFinancialStateEndpoint(t *testing.T) {
	t.Parallel()
	client := &stubClient{respond: settlementResponder("capture", 11)}
	h, store := newTestHandler(t, client)
	seedAPIOrder(t, store)

	ledger := reconcile.NewLedger(store)
	require.NoError(t, ledger.MarkApplied(context.Background(), "ord-1", 7))
	require.NoError(t, ledger.MergeCaptured(context.Background(), "ord-1", []reconcile.ItemQuantity{{Reference: "sku-1", Quantity: 2}}))

	rec, resp := do(t, h, http.MethodGet, "/orders/ord-1/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp["data"].(map[string]any)
	require.Equal(t, "ord-1", data["orderId"])
	require.Equal(t, []any{float64(7)}, data["appliedTransactions"])
	require.NotNil(t, data["paymentOrder"])
}
