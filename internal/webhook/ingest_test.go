package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payrecon/internal/common/money"
	"payrecon/internal/orders"
)

type fakeScheduler struct {
	items []*Item
	err   error
}

func (f *fakeScheduler) Enqueue(ctx context.Context, item *Item) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedWebhookOrder(t *testing.T, store *orders.MemStore) *orders.Order {
	t.Helper()
	order := &orders.Order{
		ID:             "ord-1",
		Number:         "1001",
		Status:         orders.StatusPending,
		Currency:       money.SEK,
		Total:          money.New(10000, money.SEK),
		PaymentOrderID: "/psp/paymentorders/po-1",
		PayeeReference: "pr-1001",
	}
	require.NoError(t, store.Save(context.Background(), order))
	return order
}

const validPayload = `{
	"paymentOrder": {"id": "/psp/paymentorders/po-1"},
	"transaction": {"number": 42, "type": "Sale", "amount": 10000, "vatAmount": 2000}
}`

func TestIngestSchedulesNotification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedWebhookOrder(t, store)
	sched := &fakeScheduler{}
	ing := NewIngestor(store, sched, 30*time.Second, testLogger())

	before := time.Now()
	handle, err := ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook"})
	require.NoError(t, err)
	require.Equal(t, "ord-1", handle.OrderID)
	require.False(t, handle.ProcessAfter.Before(before.Add(30*time.Second)))

	require.Len(t, sched.items, 1)
	item := sched.items[0]
	require.Equal(t, int64(42), item.TxnNumber)
	require.Equal(t, "Sale", string(item.TxnType))
	require.Equal(t, int64(10000), item.Amount)
	require.Equal(t, "webhook", item.Source)
	require.JSONEq(t, validPayload, string(item.Payload))
}

func TestIngestRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedWebhookOrder(t, store)
	sched := &fakeScheduler{}
	ing := NewIngestor(store, sched, 30*time.Second, testLogger())

	tests := []struct {
		name    string
		payload string
	}{
		{name: "malformed json", payload: `{"paymentOrder":`},
		{name: "missing payment order id", payload: `{"paymentOrder":{},"transaction":{"number":1}}`},
		{name: "missing transaction number", payload: `{"paymentOrder":{"id":"/psp/paymentorders/po-1"},"transaction":{"type":"Sale"}}`},
		{name: "unknown payment order", payload: `{"paymentOrder":{"id":"/psp/paymentorders/other"},"transaction":{"number":1}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ing.Ingest(ctx, []byte(tt.payload), IngestOptions{Source: "webhook"})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	require.Empty(t, sched.items)
}

func TestIngestPayeeReferenceCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedWebhookOrder(t, store)
	sched := &fakeScheduler{}
	ing := NewIngestor(store, sched, 30*time.Second, testLogger())

	_, err := ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook", PayeeReference: "wrong"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, sched.items)

	_, err = ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook", PayeeReference: "pr-1001"})
	require.NoError(t, err)
	require.Len(t, sched.items, 1)
}

func TestIngestPinnedOrderMustMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedWebhookOrder(t, store)
	other := &orders.Order{
		ID:             "ord-2",
		Number:         "1002",
		Status:         orders.StatusPending,
		Currency:       money.SEK,
		PaymentOrderID: "/psp/paymentorders/po-2",
	}
	require.NoError(t, store.Save(ctx, other))

	sched := &fakeScheduler{}
	ing := NewIngestor(store, sched, 30*time.Second, testLogger())

	// The payload references po-1 but is pinned to ord-2.
	_, err := ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook", OrderID: "ord-2"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook", OrderID: "ord-1"})
	require.NoError(t, err)
}

func TestIngestSchedulingFailureIsNotValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := orders.NewMemStore()
	seedWebhookOrder(t, store)
	sched := &fakeScheduler{err: context.DeadlineExceeded}
	ing := NewIngestor(store, sched, 30*time.Second, testLogger())

	_, err := ing.Ingest(ctx, []byte(validPayload), IngestOptions{Source: "webhook"})
	require.Error(t, err)
	var verr *ValidationError
	require.False(t, errors.As(err, &verr))
}
