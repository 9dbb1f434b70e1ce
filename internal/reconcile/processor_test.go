package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payrecon/internal/common/money"
	"payrecon/internal/gateway"
	"payrecon/internal/orders"
)

type fakeCall struct {
	method string
	path   string
	body   any
}

type fakeClient struct {
	mu      sync.Mutex
	calls   []fakeCall
	respond func(method, path string, body any) (json.RawMessage, error)
}

func (f *fakeClient) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, path: path, body: body})
	f.mu.Unlock()
	if f.respond == nil {
		return nil, fmt.Errorf("unexpected request %s %s", method, path)
	}
	return f.respond(method, path, body)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) lastCall() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPaymentOrderID = "/psp/paymentorders/po-1"

func seedOrder(t *testing.T, store *orders.MemStore, total int64, lines ...orders.OrderLine) *orders.Order {
	t.Helper()
	order := &orders.Order{
		ID:             "ord-1",
		Number:         "1001",
		Status:         orders.StatusPending,
		Currency:       money.SEK,
		Total:          money.New(total, money.SEK),
		Lines:          lines,
		PaymentOrderID: testPaymentOrderID,
		PayeeReference: "pr-1001",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), order))
	return order
}

// snapshotJSON builds a provider snapshot response. Nil remaining fields
// are omitted, meaning that leg is exhausted.
func snapshotJSON(capture, cancel, reversal *int64) json.RawMessage {
	po := map[string]any{"id": testPaymentOrderID, "status": "Ready", "amount": int64(10000)}
	if capture != nil {
		po["remainingCaptureAmount"] = *capture
	}
	if cancel != nil {
		po["remainingCancellationAmount"] = *cancel
	}
	if reversal != nil {
		po["remainingReversalAmount"] = *reversal
	}
	b, _ := json.Marshal(map[string]any{"paymentOrder": po})
	return b
}

func i64(v int64) *int64 { return &v }

func newEngine(store *orders.MemStore, client gateway.Client) (*Processor, *Ledger, *orders.Lifecycle) {
	logger := testLogger()
	lifecycle := orders.NewLifecycle(store, logger)
	ledger := NewLedger(store)
	return NewProcessor(store, ledger, client, lifecycle, logger), ledger, lifecycle
}

func notesContaining(t *testing.T, store *orders.MemStore, orderID, substr string) int {
	t.Helper()
	order, err := store.Get(context.Background(), orderID)
	require.NoError(t, err)
	count := 0
	for _, n := range order.Notes {
		if strings.Contains(n.Text, substr) {
			count++
		}
	}
	return count
}

func TestProcessSaleMarksOrderPaid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	client := &fakeClient{}
	processor, ledger, _ := newEngine(store, client)

	err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 1, Type: gateway.TypeSale, Amount: 10000})
	require.NoError(t, err)

	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusProcessing, order.Status)
	require.NotNil(t, order.PaidAt)
	require.Equal(t, "1", order.PaymentRef)

	applied, err := ledger.HasApplied(ctx, "ord-1", 1)
	require.NoError(t, err)
	require.True(t, applied)
	require.Zero(t, client.callCount())
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	client := &fakeClient{}
	processor, _, _ := newEngine(store, client)

	txn := gateway.Transaction{Number: 7, Type: gateway.TypeSale, Amount: 10000}
	require.NoError(t, processor.Process(ctx, "ord-1", txn))

	before, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)

	// Redelivery: no status change, no new notes, no remote calls.
	require.NoError(t, processor.Process(ctx, "ord-1", txn))

	after, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Len(t, after.Notes, len(before.Notes))
	require.Zero(t, client.callCount())
}

func TestProcessAuthorizationAfterSaleAddsSingleNote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	processor, _, _ := newEngine(store, &fakeClient{})

	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 1, Type: gateway.TypeSale, Amount: 10000}))
	// A distinct payment transaction on an already paid order records a
	// note instead of transitioning again.
	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 2, Type: gateway.TypeAuthorization, Amount: 10000}))

	require.Equal(t, 1, notesContaining(t, store, "ord-1", "already paid"))

	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, "1", order.PaymentRef)
}

func TestProcessZeroValueVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 0)
	processor, _, _ := newEngine(store, &fakeClient{})

	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 1, Type: gateway.TypeVerification}))

	flag, err := store.GetMeta(ctx, "ord-1", metaSkipOrderManagement)
	require.NoError(t, err)
	require.NotEmpty(t, flag)

	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusProcessing, order.Status)
	require.NotNil(t, order.PaidAt)
}

func TestProcessCaptureNotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		remaining *int64
		want      string
	}{
		{name: "full", remaining: nil, want: "fully captured"},
		{name: "partial", remaining: i64(4000), want: "partially captured"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := orders.NewMemStore()
			seedOrder(t, store, 10000)
			client := &fakeClient{
				respond: func(method, path string, body any) (json.RawMessage, error) {
					return snapshotJSON(tt.remaining, nil, i64(10000)), nil
				},
			}
			processor, _, _ := newEngine(store, client)

			err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 3, Type: gateway.TypeCapture, Amount: 6000})
			require.NoError(t, err)
			require.Equal(t, 1, notesContaining(t, store, "ord-1", tt.want))
		})
	}
}

func TestProcessFullCaptureCompletesPayment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	client := &fakeClient{
		respond: func(method, path string, body any) (json.RawMessage, error) {
			return snapshotJSON(nil, nil, i64(10000)), nil
		},
	}
	processor, _, _ := newEngine(store, client)

	err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 3, Type: gateway.TypeCapture, Amount: 10000})
	require.NoError(t, err)

	// A one-phase flow may never see a Sale; the full capture is what
	// settles the payment.
	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusProcessing, order.Status)
	require.NotNil(t, order.PaidAt)
	require.Equal(t, "3", order.PaymentRef)
}

func TestProcessPartialCaptureLeavesPaymentOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	client := &fakeClient{
		respond: func(method, path string, body any) (json.RawMessage, error) {
			return snapshotJSON(i64(4000), nil, i64(10000)), nil
		},
	}
	processor, _, _ := newEngine(store, client)

	err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 3, Type: gateway.TypeCapture, Amount: 6000})
	require.NoError(t, err)

	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, order.Status)
	require.Nil(t, order.PaidAt)
}

func TestProcessCancellation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	processor, ledger, _ := newEngine(store, &fakeClient{})

	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 4, Type: gateway.TypeCancellation}))

	order, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancelled, order.Status)

	// A second cancellation under a new number is note-only (cancelled is
	// terminal) but still recorded as applied.
	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 5, Type: gateway.TypeCancellation}))

	order, err = store.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancelled, order.Status)
	require.Equal(t, 1, notesContaining(t, store, "ord-1", "already cancelled"))

	applied, err := ledger.HasApplied(ctx, "ord-1", 5)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestProcessReversal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("full reversal marks refunded", func(t *testing.T) {
		t.Parallel()
		store := orders.NewMemStore()
		order := seedOrder(t, store, 10000)
		order.Status = orders.StatusCompleted
		require.NoError(t, store.Save(ctx, order))

		client := &fakeClient{
			respond: func(method, path string, body any) (json.RawMessage, error) {
				return snapshotJSON(nil, nil, nil), nil
			},
		}
		processor, _, _ := newEngine(store, client)

		require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 5, Type: gateway.TypeReversal, Amount: 10000}))

		got, err := store.Get(ctx, "ord-1")
		require.NoError(t, err)
		require.Equal(t, orders.StatusRefunded, got.Status)
	})

	t.Run("partial reversal keeps status", func(t *testing.T) {
		t.Parallel()
		store := orders.NewMemStore()
		order := seedOrder(t, store, 10000)
		order.Status = orders.StatusCompleted
		require.NoError(t, store.Save(ctx, order))

		client := &fakeClient{
			respond: func(method, path string, body any) (json.RawMessage, error) {
				return snapshotJSON(nil, nil, i64(4000)), nil
			},
		}
		processor, _, _ := newEngine(store, client)

		require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 5, Type: gateway.TypeReversal, Amount: 6000}))

		got, err := store.Get(ctx, "ord-1")
		require.NoError(t, err)
		require.Equal(t, orders.StatusCompleted, got.Status)
		require.Equal(t, 1, notesContaining(t, store, "ord-1", "partially reversed"))
	})
}

func TestProcessFullReversalSuppressesReactions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	order := seedOrder(t, store, 10000)
	order.Status = orders.StatusCompleted
	require.NoError(t, store.Save(ctx, order))

	client := &fakeClient{
		respond: func(method, path string, body any) (json.RawMessage, error) {
			return snapshotJSON(nil, nil, nil), nil
		},
	}
	logger := testLogger()
	lifecycle := orders.NewLifecycle(store, logger)
	ledger := NewLedger(store)
	processor := NewProcessor(store, ledger, client, lifecycle, logger)

	var observed []orders.Status
	lifecycle.SetObserver(func(ctx context.Context, o *orders.Order, from, to orders.Status) {
		observed = append(observed, to)
	})

	require.NoError(t, processor.Process(ctx, "ord-1", gateway.Transaction{Number: 5, Type: gateway.TypeReversal, Amount: 10000}))
	require.Empty(t, observed)
}

func TestProcessUnknownTypeFailsWithoutLedgerEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	processor, ledger, _ := newEngine(store, &fakeClient{})

	err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 9, Type: "Chargeback"})
	var unknown *UnknownTransactionTypeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "Chargeback", unknown.Type)

	applied, err := ledger.HasApplied(ctx, "ord-1", 9)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestProcessSnapshotFailureLeavesRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedOrder(t, store, 10000)
	client := &fakeClient{
		respond: func(method, path string, body any) (json.RawMessage, error) {
			return nil, &gateway.TransportError{Op: "GET " + path, Err: fmt.Errorf("connection refused")}
		},
	}
	processor, ledger, _ := newEngine(store, client)

	err := processor.Process(ctx, "ord-1", gateway.Transaction{Number: 3, Type: gateway.TypeCapture, Amount: 6000})
	require.Error(t, err)

	applied, err := ledger.HasApplied(ctx, "ord-1", 3)
	require.NoError(t, err)
	require.False(t, applied)
}
