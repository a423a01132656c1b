package contracts

import (
	"context"
	"errors"
	"time"
)

// ⭐ SSOT: repository interfaces and their sentinel errors are defined only here

var (
	// ErrOrderNotFound is returned when no record exists for an order id
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder is returned by Create when the order id is taken
	ErrDuplicateOrder = errors.New("order id already exists")
	// ErrStaleOrder is returned by Update when the stored status no longer
	// matches the status the caller read
	ErrStaleOrder = errors.New("order was modified concurrently")
)

// OrderRepository persists orders
type OrderRepository interface {
	// Create inserts a new order, enforcing order id uniqueness
	Create(ctx context.Context, order Order) error
	// Update replaces the record only while its stored status equals expected
	Update(ctx context.Context, order Order, expected Status) error
	FindByOrderID(ctx context.Context, orderID string) (Order, error)
	// FindByUser returns the user's orders, newest first
	FindByUser(ctx context.Context, userID string) ([]Order, error)
	// FindStale returns orders in status last updated before the cutoff
	FindStale(ctx context.Context, status Status, before time.Time) ([]Order, error)
}
