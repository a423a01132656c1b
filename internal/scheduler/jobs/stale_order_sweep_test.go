package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/store"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

type failingFinder struct{}

func (failingFinder) FindStale(context.Context, contracts.Status, time.Time) ([]contracts.Order, error) {
	return nil, errors.New("db down")
}

func seed(t *testing.T, repo *store.Memory, id string, status contracts.Status, at time.Time) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), contracts.Order{
		OrderID:       id,
		CorrelationID: "corr-" + id,
		UserID:        "alice",
		Region:        contracts.RegionNorth,
		Side:          contracts.SideBuy,
		Quantity:      decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(10),
		Status:        status,
		CreatedAt:     at,
		UpdatedAt:     at,
	}))
}

func warnings(buf *bytes.Buffer) []map[string]any {
	out := make([]map[string]any, 0)
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var e map[string]any
		if json.Unmarshal(sc.Bytes(), &e) == nil && e["level"] == "warn" {
			out = append(out, e)
		}
	}
	return out
}

var defaultStaleAfter = StaleAfter{
	contracts.StatusPending:   30 * time.Second,
	contracts.StatusSubmitted: time.Minute,
}

func TestStaleOrderSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seed(t, repo, "OLD", contracts.StatusPending, now.Add(-time.Minute))
	seed(t, repo, "FRESH", contracts.StatusPending, now.Add(-5*time.Second))
	seed(t, repo, "STUCK", contracts.StatusSubmitted, now.Add(-2*time.Minute))
	seed(t, repo, "WAITING", contracts.StatusSubmitted, now.Add(-45*time.Second))
	seed(t, repo, "DONE", contracts.StatusFilled, now.Add(-time.Hour))

	var buf bytes.Buffer
	job := NewStaleOrderSweepJob(repo, "@every 30s", defaultStaleAfter, logger.NewWithWriter(&buf))
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StaleOrders.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StaleOrders.WithLabelValues("SUBMITTED")))

	warns := warnings(&buf)
	require.Len(t, warns, 2)
	assert.Equal(t, "OLD", warns[0]["order_id"])
	assert.Equal(t, "corr-OLD", warns[0]["correlation_id"])
	assert.Equal(t, "PENDING", warns[0]["status"])
	assert.Equal(t, "STUCK", warns[1]["order_id"])
	assert.Equal(t, "SUBMITTED", warns[1]["status"])
	assert.Equal(t, "2m0s", warns[1]["stale_for"])

	for _, id := range []string{"OLD", "STUCK"} {
		order, err := repo.FindByOrderID(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, order.Status.IsTerminal(), "sweep must not modify orders")
	}
}

func TestStaleOrderSweep_ClearsGauge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	metrics.StaleOrders.WithLabelValues("SUBMITTED").Set(4)

	job := NewStaleOrderSweepJob(repo, "@every 30s", defaultStaleAfter, logger.Nop())
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.StaleOrders.WithLabelValues("SUBMITTED")))
}

func TestStaleOrderSweep_OnlyConfiguredStatuses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := store.NewMemory()
	seed(t, repo, "STUCK", contracts.StatusSubmitted, now.Add(-time.Hour))

	var buf bytes.Buffer
	job := NewStaleOrderSweepJob(repo, "@every 30s", StaleAfter{contracts.StatusPending: time.Second}, logger.NewWithWriter(&buf))
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, warnings(&buf))
}

func TestStaleOrderSweep_Error(t *testing.T) {
	job := NewStaleOrderSweepJob(failingFinder{}, "@every 30s", defaultStaleAfter, logger.Nop())
	err := job.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestStaleOrderSweep_Identity(t *testing.T) {
	job := NewStaleOrderSweepJob(store.NewMemory(), "0 * * * * *", defaultStaleAfter, logger.Nop())
	assert.Equal(t, "stale_order_sweep", job.Name())
	assert.Equal(t, "0 * * * * *", job.Schedule())
}
