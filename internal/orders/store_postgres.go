package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrecon/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL order store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `
	id, order_number, order_status, currency, total_minor, vat_total_minor,
	lines, payment_order_id, payee_reference, payment_ref, paid_at,
	metadata, notes, created_at, updated_at
`

// Get retrieves an order by id.
func (s *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// GetByPaymentOrderID retrieves an order by its remote payment order id.
func (s *PostgresStore) GetByPaymentOrderID(ctx context.Context, paymentOrderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_order_id = $1`, paymentOrderID)
	return scanOrder(row)
}

// GetMeta reads one metadata value straight from the database. Returns ""
// when the key is absent.
func (s *PostgresStore) GetMeta(ctx context.Context, orderID, key string) (string, error) {
	var value *string
	err := s.pool.QueryRow(ctx,
		`SELECT metadata->>$2 FROM orders WHERE id = $1`, orderID, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
		}
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// SetMeta writes one metadata value.
func (s *PostgresStore) SetMeta(ctx context.Context, orderID, key, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET metadata = jsonb_set(metadata, ARRAY[$2], to_jsonb($3::text), true),
		     updated_at = $4
		 WHERE id = $1`,
		orderID, key, value, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return nil
}

// SetStatus updates the order status and appends the note.
func (s *PostgresStore) SetStatus(ctx context.Context, orderID string, status Status, note string) error {
	if err := s.AddNote(ctx, orderID, note); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET order_status = $2, updated_at = $3 WHERE id = $1`,
		orderID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return nil
}

// SetPaid records the payment date and transaction reference.
func (s *PostgresStore) SetPaid(ctx context.Context, orderID, paymentRef string, paidAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET payment_ref = $2, paid_at = $3, updated_at = $3 WHERE id = $1`,
		orderID, paymentRef, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return nil
}

// AddNote appends an audit note.
func (s *PostgresStore) AddNote(ctx context.Context, orderID, text string) error {
	note, _ := json.Marshal(Note{Text: text, CreatedAt: time.Now().UTC()})
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET notes = notes || $2::jsonb, updated_at = $3 WHERE id = $1`,
		orderID, note, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
	}
	return nil
}

// Save persists the full order record.
func (s *PostgresStore) Save(ctx context.Context, order *Order) error {
	lines, _ := json.Marshal(order.Lines)
	metadata, _ := json.Marshal(order.Metadata)
	notes, _ := json.Marshal(order.Notes)
	if order.Metadata == nil {
		metadata = []byte(`{}`)
	}
	if order.Notes == nil {
		notes = []byte(`[]`)
	}
	order.UpdatedAt = time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			order_status = EXCLUDED.order_status,
			currency = EXCLUDED.currency,
			total_minor = EXCLUDED.total_minor,
			vat_total_minor = EXCLUDED.vat_total_minor,
			lines = EXCLUDED.lines,
			payment_order_id = EXCLUDED.payment_order_id,
			payee_reference = EXCLUDED.payee_reference,
			payment_ref = EXCLUDED.payment_ref,
			paid_at = EXCLUDED.paid_at,
			metadata = EXCLUDED.metadata,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at`,
		order.ID, order.Number, order.Status, order.Currency,
		order.Total.Minor, order.VATTotal.Minor, lines,
		nullStr(order.PaymentOrderID), nullStr(order.PayeeReference),
		nullStr(order.PaymentRef), order.PaidAt,
		metadata, notes, order.CreatedAt, order.UpdatedAt,
	)
	return err
}

// Items returns the order lines.
func (s *PostgresStore) Items(ctx context.Context, orderID string) ([]OrderLine, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order.Lines, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var paymentOrderID, payeeReference, paymentRef *string
	var lines, metadata, notes []byte

	err := row.Scan(
		&o.ID, &o.Number, &o.Status, &o.Currency, &o.Total.Minor, &o.VATTotal.Minor,
		&lines, &paymentOrderID, &payeeReference, &paymentRef, &o.PaidAt,
		&metadata, &notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("order: %w", database.ErrNotFound)
		}
		return nil, err
	}

	o.Total.Currency = o.Currency
	o.VATTotal.Currency = o.Currency

	if paymentOrderID != nil {
		o.PaymentOrderID = *paymentOrderID
	}
	if payeeReference != nil {
		o.PayeeReference = *payeeReference
	}
	if paymentRef != nil {
		o.PaymentRef = *paymentRef
	}

	json.Unmarshal(lines, &o.Lines)
	json.Unmarshal(metadata, &o.Metadata)
	json.Unmarshal(notes, &o.Notes)

	return &o, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
