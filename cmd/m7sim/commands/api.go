package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/m7sim/internal/api"
	"github.com/wonny/m7sim/internal/api/handlers"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/realtime"
	"github.com/wonny/m7sim/internal/scheduler"
	"github.com/wonny/m7sim/internal/scheduler/jobs"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/redis"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the order service",
	Long: `Starts the order service: REST API, websocket sessions, the exchange
response consumer, the status notifier and the stale order sweep.

The exchange simulator runs in a separate process (see "exchange"), so
BUS_DRIVER=redis is required for orders to make progress.

Endpoints:
  POST /api/orders                 - submit an order
  GET  /api/orders/{id}            - get one order
  POST /api/orders/{id}/cancel     - cancel a PENDING order
  GET  /api/users/{userId}/orders  - list a user's orders
  GET  /ws?user_id=                - status notifications
  GET  /health
  GET  /metrics

Example:
  go run ./cmd/m7sim api
  go run ./cmd/m7sim api --port 8081`,
	RunE: runAPI,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)
	apiCmd.Flags().StringVar(&apiPort, "port", "", "HTTP port (overrides PORT)")
}

func runAPI(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.cfg.Bus.Driver == config.BusDriverMemory {
		rt.log.Warn("Memory bus in api-only mode: no exchange is attached, orders stay PENDING")
	}

	ctx, stop := signalContext()
	defer stop()

	return serveOrderService(ctx, rt)
}

// serveOrderService wires the order side onto rt, starts the bus and blocks
// until ctx is canceled
func serveOrderService(ctx context.Context, rt *runtime) error {
	if apiPort != "" {
		rt.cfg.Port = apiPort
	}

	mgr, err := rt.orderService()
	if err != nil {
		return err
	}

	hub := realtime.NewHub(rt.log)
	rt.afterBus = append(rt.afterBus, hub.Close)
	if err := rt.statusNotifier(hub); err != nil {
		return err
	}

	sched := scheduler.New(rt.log)
	sweep := jobs.NewStaleOrderSweepJob(rt.repo, rt.cfg.Sweep.Schedule, jobs.StaleAfter{
		contracts.StatusPending:   rt.cfg.Sweep.PendingAfter,
		contracts.StatusSubmitted: rt.cfg.Sweep.SubmittedAfter,
	}, rt.log)
	if err := sched.AddJob(sweep); err != nil {
		return fmt.Errorf("register stale order sweep: %w", err)
	}

	checks := map[string]handlers.Pinger{}
	if rt.rdb.Enabled() {
		checks["redis"] = rt.rdb
	}
	if rt.db != nil {
		checks["database"] = rt.db
	}

	orders := handlers.NewOrderHandler(
		mgr,
		redis.NewRateLimiter(rt.rdb, "m7sim"),
		handlers.SubmitLimit{Limit: rt.cfg.RateLimit.Limit, Window: rt.cfg.RateLimit.Window},
		redis.NewCache(rt.rdb, "m7sim"),
		rt.log,
	)
	router := api.NewRouter(api.Routes{
		Orders:  orders,
		Health:  handlers.NewHealthHandler("m7sim-api", rt.bus, hub, checks),
		Session: hub.ServeWS,
		Metrics: rt.cfg.MetricsEnabled,
	}, rt.log)
	server := api.New(rt.cfg, rt.log, router)

	if err := rt.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	rt.log.WithField("port", rt.cfg.Port).Info("Order service started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	rt.log.Info("Order service stopped")
	return nil
}
