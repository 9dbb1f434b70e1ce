package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payrecon/internal/common/database"
)

// MemStore is an in-memory Store used by tests and local development.
// Get returns deep copies so callers observe only persisted writes, the
// same way the SQL store behaves.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[string]*Order)}
}

// Get retrieves a copy of an order by id.
func (s *MemStore) Get(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return copyOrder(o), nil
}

// GetByPaymentOrderID retrieves a copy of an order by payment order id.
func (s *MemStore) GetByPaymentOrderID(ctx context.Context, paymentOrderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentOrderID == paymentOrderID {
			return copyOrder(o), nil
		}
	}
	return nil, fmt.Errorf("order for payment order %s: %w", paymentOrderID, database.ErrNotFound)
}

// GetMeta reads one metadata value from the stored order.
func (s *MemStore) GetMeta(ctx context.Context, orderID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return o.Metadata[key], nil
}

// SetMeta writes one metadata value.
func (s *MemStore) SetMeta(ctx context.Context, orderID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	if o.Metadata == nil {
		o.Metadata = make(map[string]string)
	}
	o.Metadata[key] = value
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus updates the status and appends the note.
func (s *MemStore) SetStatus(ctx context.Context, orderID string, status Status, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	o.Status = status
	o.Notes = append(o.Notes, Note{Text: note, CreatedAt: time.Now().UTC()})
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPaid records the payment date and transaction reference.
func (s *MemStore) SetPaid(ctx context.Context, orderID, paymentRef string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	o.PaymentRef = paymentRef
	o.PaidAt = &paidAt
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// AddNote appends an audit note.
func (s *MemStore) AddNote(ctx context.Context, orderID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	o.Notes = append(o.Notes, Note{Text: text, CreatedAt: time.Now().UTC()})
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Save persists the full order record.
func (s *MemStore) Save(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.UpdatedAt = time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}
	s.orders[order.ID] = copyOrder(order)
	return nil
}

// Items returns the order lines.
func (s *MemStore) Items(ctx context.Context, orderID string) ([]OrderLine, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return o.Lines, nil
}

func copyOrder(o *Order) *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	c.Notes = append([]Note(nil), o.Notes...)
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return &c
}
