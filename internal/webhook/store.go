package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrecon/internal/gateway"
)

// Item is one queued payment notification awaiting reconciliation. The
// row in payment_notifications is the durable truth; the JetStream
// message referencing it is only a dispatch trigger.
type Item struct {
	ID             string
	OrderID        string
	PaymentOrderID string
	TxnNumber      int64
	TxnType        gateway.TransactionType
	Amount         int64
	VATAmount      int64
	Payload        json.RawMessage
	Source         string
	ProcessAfter   time.Time
	HandledAt      *time.Time
	DiscardReason  string
	CreatedAt      time.Time
}

// Store persists queue items.
type Store interface {
	Insert(ctx context.Context, item *Item) error
	// DueForOrder returns unhandled items for the order whose delay has
	// elapsed, ordered ascending by transaction number.
	DueForOrder(ctx context.Context, orderID string, now time.Time) ([]*Item, error)
	// Overdue returns unhandled items past the given age, across all
	// orders, for the fallback sweeper.
	Overdue(ctx context.Context, olderThan time.Time, limit int) ([]*Item, error)
	MarkHandled(ctx context.Context, itemID, discardReason string) error
}

// PostgresStore implements Store on payment_notifications.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const itemColumns = `
	id, order_id, payment_order_id, txn_number, txn_type,
	amount_minor, vat_amount_minor, payload, source,
	process_after, handled_at, discard_reason, created_at`

func (s *PostgresStore) Insert(ctx context.Context, item *Item) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_notifications (
			id, order_id, payment_order_id, txn_number, txn_type,
			amount_minor, vat_amount_minor, payload, source, process_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID, item.OrderID, item.PaymentOrderID, item.TxnNumber, string(item.TxnType),
		item.Amount, item.VATAmount, item.Payload, item.Source, item.ProcessAfter,
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueForOrder(ctx context.Context, orderID string, now time.Time) ([]*Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM payment_notifications
		 WHERE order_id = $1 AND handled_at IS NULL AND process_after <= $2
		 ORDER BY txn_number ASC`,
		orderID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due notifications: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *PostgresStore) Overdue(ctx context.Context, olderThan time.Time, limit int) ([]*Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM payment_notifications
		 WHERE handled_at IS NULL AND process_after <= $1
		 ORDER BY process_after ASC
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying overdue notifications: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *PostgresStore) MarkHandled(ctx context.Context, itemID, discardReason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE payment_notifications
		 SET handled_at = now(), discard_reason = NULLIF($2, '')
		 WHERE id = $1 AND handled_at IS NULL`,
		itemID, discardReason,
	)
	if err != nil {
		return fmt.Errorf("marking notification handled: %w", err)
	}
	return nil
}

func scanItems(rows pgx.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var it Item
		var txnType string
		var discardReason *string
		if err := rows.Scan(
			&it.ID, &it.OrderID, &it.PaymentOrderID, &it.TxnNumber, &txnType,
			&it.Amount, &it.VATAmount, &it.Payload, &it.Source,
			&it.ProcessAfter, &it.HandledAt, &discardReason, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		it.TxnType = gateway.TransactionType(txnType)
		if discardReason != nil {
			it.DiscardReason = *discardReason
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Item)}
}

func (s *MemStore) Insert(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemStore) DueForOrder(ctx context.Context, orderID string, now time.Time) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Item
	for _, it := range s.items {
		if it.OrderID == orderID && it.HandledAt == nil && !it.ProcessAfter.After(now) {
			cp := *it
			due = append(due, &cp)
		}
	}
	sortItemsByNumber(due)
	return due, nil
}

func (s *MemStore) Overdue(ctx context.Context, olderThan time.Time, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var overdue []*Item
	for _, it := range s.items {
		if it.HandledAt == nil && !it.ProcessAfter.After(olderThan) {
			cp := *it
			overdue = append(overdue, &cp)
		}
	}
	sortItemsByNumber(overdue)
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (s *MemStore) MarkHandled(ctx context.Context, itemID, discardReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || it.HandledAt != nil {
		return nil
	}
	now := time.Now()
	it.HandledAt = &now
	it.DiscardReason = discardReason
	return nil
}

// Item returns a copy of the stored item, for test assertions.
func (s *MemStore) Item(id string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	cp := *it
	return &cp, true
}

func sortItemsByNumber(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].TxnNumber < items[j].TxnNumber
	})
}
