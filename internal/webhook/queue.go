package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	natsclient "payrecon/internal/common/nats"
	"payrecon/internal/gateway"
)

// QueueConfig configures the reconciliation queue.
type QueueConfig struct {
	Stream       string        `envconfig:"QUEUE_STREAM" default:"PAYRECON"`
	Subject      string        `envconfig:"QUEUE_SUBJECT" default:"payrecon.notifications"`
	Consumer     string        `envconfig:"QUEUE_CONSUMER" default:"payrecon-worker"`
	ProcessDelay time.Duration `envconfig:"QUEUE_PROCESS_DELAY" default:"30s"`
	SweepEvery   time.Duration `envconfig:"QUEUE_SWEEP_EVERY" default:"1m"`
	SweepAge     time.Duration `envconfig:"QUEUE_SWEEP_AGE" default:"2m"`
}

// Applier applies one verified remote transaction to an order.
type Applier interface {
	Process(ctx context.Context, orderID string, txn gateway.Transaction) error
}

// Ledger reports which transaction numbers are already applied to an
// order, letting the queue discard duplicates without loading the order.
type Ledger interface {
	AppliedNumbers(ctx context.Context, orderID string) ([]int64, error)
}

// dispatch is the JetStream message body. It carries only identifiers;
// the notification row is re-read before processing.
type dispatch struct {
	ItemID  string `json:"item_id"`
	OrderID string `json:"order_id"`
}

// Queue is the reconciliation queue: a durable notification table plus a
// JetStream dispatch channel with a fixed processing delay. Items are
// processed per order, in transaction-number order, and are always marked
// handled after an attempt so one poisoned notification cannot wedge the
// queue.
type Queue struct {
	cfg     QueueConfig
	store   Store
	nats    *natsclient.Client
	applier Applier
	ledger  Ledger
	logger  *slog.Logger

	consumer jetstream.Consumer
	locks    keyedMutex

	stop chan struct{}
	done sync.WaitGroup
}

func NewQueue(cfg QueueConfig, store Store, nc *natsclient.Client, applier Applier, ledger Ledger, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:     cfg,
		store:   store,
		nats:    nc,
		applier: applier,
		ledger:  ledger,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start ensures the stream and consumer exist and launches the consume
// loop and the fallback sweeper.
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.nats.EnsureStream(ctx, natsclient.DefaultStreamConfig(q.cfg.Stream, []string{q.cfg.Subject})); err != nil {
		return err
	}
	consumer, err := q.nats.EnsureConsumer(ctx, natsclient.DefaultConsumerConfig(q.cfg.Consumer, q.cfg.Stream, q.cfg.Subject))
	if err != nil {
		return err
	}
	q.consumer = consumer

	q.done.Add(2)
	go q.consume(ctx)
	go q.sweep(ctx)
	return nil
}

// Stop shuts the queue down and waits for in-flight work.
func (q *Queue) Stop() {
	close(q.stop)
	q.done.Wait()
}

// Enqueue persists the notification and publishes a dispatch trigger.
// The row is written first: a lost trigger only delays processing until
// the sweeper finds the row.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if err := q.store.Insert(ctx, item); err != nil {
		return err
	}

	msg, err := json.Marshal(dispatch{ItemID: item.ID, OrderID: item.OrderID})
	if err != nil {
		return fmt.Errorf("encoding dispatch: %w", err)
	}
	if _, err := q.nats.JetStream().Publish(ctx, q.cfg.Subject, msg); err != nil {
		q.logger.Warn("dispatch publish failed, sweeper will pick the item up",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()))
		return nil
	}

	q.logger.Debug("notification enqueued",
		slog.String("item_id", item.ID),
		slog.String("order_id", item.OrderID),
		slog.Int64("txn_number", item.TxnNumber))
	return nil
}

func (q *Queue) consume(ctx context.Context) {
	defer q.done.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.consumer.Fetch(10, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				q.logger.Error("fetching dispatch messages", slog.String("error", err.Error()))
			}
			continue
		}
		for msg := range msgs.Messages() {
			q.handleDispatch(ctx, msg)
		}
	}
}

// handleDispatch defers the message until the item's delay has elapsed,
// then drains everything due for the same order.
func (q *Queue) handleDispatch(ctx context.Context, msg jetstream.Msg) {
	var d dispatch
	if err := json.Unmarshal(msg.Data(), &d); err != nil {
		q.logger.Error("malformed dispatch message", slog.String("error", err.Error()))
		_ = msg.Term()
		return
	}

	if delay, due := q.itemDue(ctx, d); !due {
		_ = msg.NakWithDelay(delay)
		return
	}

	q.processOrder(ctx, d.OrderID)
	_ = msg.Ack()
}

// itemDue reports whether the referenced item may be processed now, and
// the remaining wait otherwise. Missing or already handled items count as
// due so the message is acked away.
func (q *Queue) itemDue(ctx context.Context, d dispatch) (time.Duration, bool) {
	due, err := q.store.DueForOrder(ctx, d.OrderID, time.Now())
	if err != nil {
		q.logger.Error("checking due notifications", slog.String("error", err.Error()))
		return q.cfg.ProcessDelay, false
	}
	for _, it := range due {
		if it.ID == d.ItemID {
			return 0, true
		}
	}
	// Not yet due, or already handled. Peek at the sweep horizon: if the
	// sweeper would cover it we can let the message go.
	return q.cfg.ProcessDelay, len(due) > 0
}

// processOrder drains all due notifications for one order under the
// order's lock, ascending by transaction number. Numbers already in the
// order's ledger are discarded without touching the processor. Every
// attempted item is marked handled regardless of outcome; failed
// applications stay visible through the discard reason and the order's
// missing ledger entry.
func (q *Queue) processOrder(ctx context.Context, orderID string) {
	unlock := q.locks.lock(orderID)
	defer unlock()

	due, err := q.store.DueForOrder(ctx, orderID, time.Now())
	if err != nil {
		q.logger.Error("loading due notifications",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	applied, err := q.ledger.AppliedNumbers(ctx, orderID)
	if err != nil {
		q.logger.Warn("reading applied transactions, duplicates fall through to the processor",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		applied = nil
	}

	for _, item := range due {
		var discard string
		if slices.Contains(applied, item.TxnNumber) {
			discard = fmt.Sprintf("transaction %d already applied", item.TxnNumber)
		} else {
			discard = q.processItem(ctx, item)
		}
		if err := q.store.MarkHandled(ctx, item.ID, discard); err != nil {
			q.logger.Error("marking notification handled",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()))
		}
	}
}

// processItem applies one notification and returns the discard reason, or
// empty when the transaction was applied cleanly.
func (q *Queue) processItem(ctx context.Context, item *Item) string {
	if _, ok := gateway.ParseTransactionType(string(item.TxnType)); !ok {
		q.logger.Warn("discarding notification with unknown transaction type",
			slog.String("item_id", item.ID),
			slog.String("txn_type", string(item.TxnType)))
		return fmt.Sprintf("unknown transaction type %q", item.TxnType)
	}

	txn := gateway.Transaction{
		Number:    item.TxnNumber,
		Type:      item.TxnType,
		Amount:    item.Amount,
		VATAmount: item.VATAmount,
	}
	if err := q.applier.Process(ctx, item.OrderID, txn); err != nil {
		q.logger.Error("applying notification failed",
			slog.String("item_id", item.ID),
			slog.String("order_id", item.OrderID),
			slog.Int64("txn_number", item.TxnNumber),
			slog.String("error", err.Error()))
		return err.Error()
	}
	return ""
}

// sweep periodically re-processes orders with overdue unhandled items,
// covering lost dispatch messages and restarts.
func (q *Queue) sweep(ctx context.Context) {
	defer q.done.Done()
	ticker := time.NewTicker(q.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		overdue, err := q.store.Overdue(ctx, time.Now().Add(-q.cfg.SweepAge), 100)
		if err != nil {
			q.logger.Error("sweeping overdue notifications", slog.String("error", err.Error()))
			continue
		}
		seen := make(map[string]bool)
		for _, item := range overdue {
			if seen[item.OrderID] {
				continue
			}
			seen[item.OrderID] = true
			q.logger.Info("sweeper re-processing order",
				slog.String("order_id", item.OrderID))
			q.processOrder(ctx, item.OrderID)
		}
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
