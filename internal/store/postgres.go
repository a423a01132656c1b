package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wonny/m7sim/internal/contracts"
)

// Schema is the orders DDL applied by the migrate command
//
//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

// Postgres is the OrderRepository backed by PostgreSQL
// ⭐ SSOT: order SQL lives only here
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new order repository
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const selectOrder = `
	SELECT order_id, correlation_id, user_id, region, side,
	       quantity::text, price::text, status,
	       exchange_reference_id, execution_price::text, reject_reason,
	       created_at, updated_at
	FROM orders
`

// Create inserts a new order
func (r *Postgres) Create(ctx context.Context, order contracts.Order) error {
	query := `
		INSERT INTO orders (
			order_id, correlation_id, user_id, region, side, quantity, price,
			status, exchange_reference_id, execution_price, reject_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10::numeric, $11, $12, $13)
	`

	_, err := r.pool.Exec(ctx, query, insertArgs(order)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return contracts.ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// Update replaces mutable columns while the stored status equals expected
func (r *Postgres) Update(ctx context.Context, order contracts.Order, expected contracts.Status) error {
	query := `
		UPDATE orders
		SET status = $1, exchange_reference_id = $2, execution_price = $3::numeric,
		    reject_reason = $4, updated_at = $5
		WHERE order_id = $6 AND status = $7
	`

	tag, err := r.pool.Exec(ctx, query,
		order.Status, nullString(order.ExchangeReferenceID), nullDecimal(order.ExecutionPrice),
		nullString(order.RejectReason), order.UpdatedAt,
		order.OrderID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a lost compare-and-swap
	if _, err := r.FindByOrderID(ctx, order.OrderID); err != nil {
		return err
	}
	return contracts.ErrStaleOrder
}

// FindByOrderID retrieves an order by ID
func (r *Postgres) FindByOrderID(ctx context.Context, orderID string) (contracts.Order, error) {
	row := r.pool.QueryRow(ctx, selectOrder+" WHERE order_id = $1", orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return contracts.Order{}, contracts.ErrOrderNotFound
	}
	if err != nil {
		return contracts.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// FindByUser retrieves a user's orders, newest first
func (r *Postgres) FindByUser(ctx context.Context, userID string) ([]contracts.Order, error) {
	return r.query(ctx, selectOrder+" WHERE user_id = $1 ORDER BY created_at DESC, order_id DESC", userID)
}

// FindStale retrieves orders in status last updated before the cutoff
func (r *Postgres) FindStale(ctx context.Context, status contracts.Status, before time.Time) ([]contracts.Order, error) {
	return r.query(ctx, selectOrder+" WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC", status, before)
}

func (r *Postgres) query(ctx context.Context, query string, args ...any) ([]contracts.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]contracts.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (contracts.Order, error) {
	var (
		o                 contracts.Order
		qty, price        string
		ref, exec, reason *string
	)
	err := row.Scan(
		&o.OrderID, &o.CorrelationID, &o.UserID, &o.Region, &o.Side,
		&qty, &price, &o.Status,
		&ref, &exec, &reason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return contracts.Order{}, err
	}

	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return contracts.Order{}, fmt.Errorf("quantity: %w", err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return contracts.Order{}, fmt.Errorf("price: %w", err)
	}
	if exec != nil {
		d, err := decimal.NewFromString(*exec)
		if err != nil {
			return contracts.Order{}, fmt.Errorf("execution price: %w", err)
		}
		o.ExecutionPrice = &d
	}
	if ref != nil {
		o.ExchangeReferenceID = *ref
	}
	if reason != nil {
		o.RejectReason = *reason
	}
	return o, nil
}

func insertArgs(o contracts.Order) []any {
	return []any{
		o.OrderID, o.CorrelationID, o.UserID, o.Region, o.Side,
		o.Quantity.String(), o.Price.String(), o.Status,
		nullString(o.ExchangeReferenceID), nullDecimal(o.ExecutionPrice), nullString(o.RejectReason),
		o.CreatedAt, o.UpdatedAt,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
