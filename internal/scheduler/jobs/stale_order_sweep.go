package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

// StaleFinder lists orders that stayed in one status since before a cutoff
type StaleFinder interface {
	FindStale(ctx context.Context, status contracts.Status, before time.Time) ([]contracts.Order, error)
}

// StaleAfter maps a non-terminal status to how long an order may sit in it
type StaleAfter map[contracts.Status]time.Duration

// sweptStatuses fixes the report order
var sweptStatuses = []contracts.Status{contracts.StatusPending, contracts.StatusSubmitted}

// StaleOrderSweepJob reports orders the exchange never acknowledged (PENDING)
// and orders whose execution result never arrived (SUBMITTED).
// It only reads; orders are never modified.
type StaleOrderSweepJob struct {
	orders     StaleFinder
	schedule   string
	staleAfter StaleAfter
	now        func() time.Time
	logger     *logger.Logger
}

// NewStaleOrderSweepJob creates a new sweep job. Statuses missing from
// staleAfter are not swept.
func NewStaleOrderSweepJob(orders StaleFinder, schedule string, staleAfter StaleAfter, log *logger.Logger) *StaleOrderSweepJob {
	return &StaleOrderSweepJob{
		orders:     orders,
		schedule:   schedule,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     log.WithComponent("stale_order_sweep"),
	}
}

// Name returns the job name
func (j *StaleOrderSweepJob) Name() string {
	return "stale_order_sweep"
}

// Schedule returns the cron schedule
func (j *StaleOrderSweepJob) Schedule() string {
	return j.schedule
}

// Run lists stale orders per swept status and updates the gauge
func (j *StaleOrderSweepJob) Run(ctx context.Context) error {
	now := j.now()
	total := 0

	for _, status := range sweptStatuses {
		after, ok := j.staleAfter[status]
		if !ok {
			continue
		}

		stale, err := j.orders.FindStale(ctx, status, now.Add(-after))
		if err != nil {
			return fmt.Errorf("find stale %s orders: %w", status, err)
		}
		metrics.StaleOrders.WithLabelValues(string(status)).Set(float64(len(stale)))
		total += len(stale)

		for _, o := range stale {
			j.logger.WithOrder(o.OrderID, o.CorrelationID).WithFields(map[string]interface{}{
				"user_id":   o.UserID,
				"region":    string(o.Region),
				"status":    string(status),
				"stale_for": now.Sub(o.UpdatedAt).Round(time.Millisecond).String(),
			}).Warn("Order stuck in non-terminal status")
		}
	}

	if total > 0 {
		j.logger.WithField("count", total).Info("Sweep found stale orders")
	}

	return nil
}
