package orders

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"payrecon/internal/common/money"
)

// CreditRecord is a locally visible credit mirroring refunded lines.
// Created best-effort for full-order refunds triggered from admin actions.
type CreditRecord struct {
	ID                string       `json:"id"`
	OrderID           string       `json:"order_id"`
	TransactionNumber int64        `json:"transaction_number"`
	Reason            string       `json:"reason,omitempty"`
	Lines             []OrderLine  `json:"lines"`
	Total             money.Amount `json:"total"`
	VATTotal          money.Amount `json:"vat_total"`
	CreatedAt         time.Time    `json:"created_at"`
}

// CreditWriter persists credit records.
type CreditWriter interface {
	CreateCredit(ctx context.Context, credit *CreditRecord) error
}

// PostgresCreditStore implements CreditWriter using PostgreSQL.
type PostgresCreditStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCreditStore creates a new credit store.
func NewPostgresCreditStore(pool *pgxpool.Pool) *PostgresCreditStore {
	return &PostgresCreditStore{pool: pool}
}

// CreateCredit inserts a credit record.
func (s *PostgresCreditStore) CreateCredit(ctx context.Context, credit *CreditRecord) error {
	lines, _ := json.Marshal(credit.Lines)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_records (
			id, order_id, txn_number, reason, lines,
			total_minor, vat_total_minor, currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		credit.ID, credit.OrderID, credit.TransactionNumber, credit.Reason, lines,
		credit.Total.Minor, credit.VATTotal.Minor, credit.Total.Currency, credit.CreatedAt,
	)
	return err
}

// MemCreditStore is an in-memory CreditWriter for tests.
type MemCreditStore struct {
	mu      sync.Mutex
	Credits []*CreditRecord
}

// NewMemCreditStore creates an empty in-memory credit store.
func NewMemCreditStore() *MemCreditStore {
	return &MemCreditStore{}
}

// CreateCredit records the credit in memory.
func (s *MemCreditStore) CreateCredit(ctx context.Context, credit *CreditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Credits = append(s.Credits, credit)
	return nil
}
