package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wonny/m7sim/internal/bus"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/exchange"
	"github.com/wonny/m7sim/internal/lifecycle"
	"github.com/wonny/m7sim/internal/notifier"
	"github.com/wonny/m7sim/internal/realtime"
	"github.com/wonny/m7sim/internal/store"
	"github.com/wonny/m7sim/internal/tradingpolicy"
	"github.com/wonny/m7sim/internal/validation"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/database"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/redis"
)

// runtime holds the shared infrastructure of a process
type runtime struct {
	cfg    *config.Config
	log    *logger.Logger
	policy *tradingpolicy.Config
	rdb    *redis.Client
	db     *database.DB // nil unless STORE_DRIVER=postgres
	repo   contracts.OrderRepository
	bus    bus.Bus

	closers  []func()
	afterBus []func() // run once the bus stopped delivering
}

// newRuntime loads config, policy and connections. withStore is false for
// processes that never touch orders (the exchange worker).
func newRuntime(withStore bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	rt := &runtime{cfg: cfg, log: logger.New(cfg)}

	rt.policy, err = tradingpolicy.LoadOrDefault(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load trading policy: %w", err)
	}
	hash, _ := tradingpolicy.Hash(rt.policy)
	rt.log.WithFields(map[string]interface{}{
		"policy_file": cfg.PolicyFile,
		"policy_hash": hash,
	}).Info("Trading policy loaded")

	rt.rdb, err = redis.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	rt.closers = append(rt.closers, func() { rt.rdb.Close() })

	if withStore {
		if err := rt.openStore(); err != nil {
			rt.close()
			return nil, err
		}
	}

	rt.bus, err = bus.New(cfg, rt.rdb, rt.log)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("create bus: %w", err)
	}
	rt.closers = append(rt.closers, func() {
		if err := rt.bus.Close(); err != nil {
			rt.log.WithError(err).Warn("Bus close failed")
		}
		for _, f := range rt.afterBus {
			f()
		}
	})

	rt.log.WithFields(map[string]interface{}{
		"env":          cfg.Env,
		"bus_driver":   cfg.Bus.Driver,
		"store_driver": cfg.Store.Driver,
		"redis":        rt.rdb.Enabled(),
	}).Info("Runtime initialized")

	return rt, nil
}

func (rt *runtime) openStore() error {
	switch rt.cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := database.New(rt.cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		rt.db = db
		rt.closers = append(rt.closers, db.Close)
		rt.repo = store.NewPostgres(db.Pool)
	default:
		rt.repo = store.NewMemory()
	}
	return nil
}

// close releases resources in reverse order of acquisition
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// orderService wires the lifecycle manager to the exchange response queue
// behind a per-order keyed dispatcher
func (rt *runtime) orderService() (*lifecycle.Manager, error) {
	mgr := lifecycle.NewManager(rt.repo, validation.New(rt.policy.Validation), rt.bus, rt.log)

	dispatcher := bus.NewKeyedDispatcher(rt.cfg.Bus.Consumers, bus.OrderIDKey, mgr.HandleExchangeResponse)
	rt.afterBus = append(rt.afterBus, dispatcher.Close)

	q := bus.QueueExchangeResponses
	if err := rt.bus.Subscribe(q, bus.Bindings[q], dispatcher.Handle); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q, err)
	}
	return mgr, nil
}

// statusNotifier subscribes the notifier queue and delivers through hub
func (rt *runtime) statusNotifier(hub *realtime.Hub) error {
	n := notifier.New(hub, rt.log)
	q := bus.QueueNotifierStatus
	if err := rt.bus.Subscribe(q, bus.Bindings[q], n.Handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", q, err)
	}
	return nil
}

// simulator subscribes the exchange order queue
func (rt *runtime) simulator() (*exchange.Simulator, error) {
	sim := exchange.New(rt.bus, rt.policy.Simulator, rt.log)
	rt.closers = append(rt.closers, sim.Stop)

	q := bus.QueueExchangeOrders
	if err := rt.bus.Subscribe(q, bus.Bindings[q], sim.HandleOrderRequest); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q, err)
	}
	return sim, nil
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
