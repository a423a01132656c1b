package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wonny/m7sim/internal/contracts"
)

// Memory is an in-process OrderRepository
type Memory struct {
	mu     sync.RWMutex
	orders map[string]contracts.Order
	byUser map[string][]string
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]contracts.Order),
		byUser: make(map[string][]string),
	}
}

// Create inserts a new order
func (m *Memory) Create(ctx context.Context, order contracts.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.OrderID]; exists {
		return contracts.ErrDuplicateOrder
	}
	m.orders[order.OrderID] = order
	m.byUser[order.UserID] = append(m.byUser[order.UserID], order.OrderID)
	return nil
}

// Update replaces the order while its stored status equals expected
func (m *Memory) Update(ctx context.Context, order contracts.Order, expected contracts.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[order.OrderID]
	if !ok {
		return contracts.ErrOrderNotFound
	}
	if current.Status != expected {
		return contracts.ErrStaleOrder
	}
	m.orders[order.OrderID] = order
	return nil
}

// FindByOrderID returns a copy of the stored order
func (m *Memory) FindByOrderID(ctx context.Context, orderID string) (contracts.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return contracts.Order{}, contracts.ErrOrderNotFound
	}
	return order, nil
}

// FindByUser returns the user's orders, newest first
func (m *Memory) FindByUser(ctx context.Context, userID string) ([]contracts.Order, error) {
	m.mu.RLock()
	ids := m.byUser[userID]
	orders := make([]contracts.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, m.orders[id])
	}
	m.mu.RUnlock()

	sortNewestFirst(orders)
	return orders, nil
}

// FindStale returns orders in status last updated before the cutoff
func (m *Memory) FindStale(ctx context.Context, status contracts.Status, before time.Time) ([]contracts.Order, error) {
	m.mu.RLock()
	orders := make([]contracts.Order, 0)
	for _, o := range m.orders {
		if o.Status == status && o.UpdatedAt.Before(before) {
			orders = append(orders, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].UpdatedAt.Before(orders[j].UpdatedAt)
	})
	return orders, nil
}

func sortNewestFirst(orders []contracts.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID > orders[j].OrderID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
