// Package exchange simulates the M7 execution venue: an immediate
// acknowledgment followed, after a random delay, by a fill or a rejection.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wonny/m7sim/internal/bus"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/tradingpolicy"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

var bpsDenominator = decimal.NewFromInt(10000)

// ErrStopped is returned for requests received after Stop
var ErrStopped = errors.New("simulator stopped")

// RegionStats aggregates outcomes for one region
type RegionStats struct {
	Region    contracts.Region `json:"region"`
	Fills     int64            `json:"fills"`
	Rejects   int64            `json:"rejects"`
	LastPrice *decimal.Decimal `json:"lastPrice,omitempty"`
}

// Simulator holds no order state; every request is handled from its own
// fields plus the injected randomness
type Simulator struct {
	pub    contracts.Publisher
	policy tradingpolicy.SimulatorPolicy
	sched  Scheduler
	rnd    Source
	log    *logger.Logger
	now    func() time.Time
	newRef func() string

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]scheduled
	stopped bool

	statsMu sync.Mutex
	stats   [contracts.NumRegions]RegionStats
}

// scheduled is a continuation that still owes an execution result
type scheduled struct {
	timer   Timer
	orderID string
}

// Option customises a Simulator
type Option func(*Simulator)

// WithScheduler replaces the runtime timers
func WithScheduler(s Scheduler) Option {
	return func(sim *Simulator) { sim.sched = s }
}

// WithSource replaces the random source
func WithSource(src Source) Option {
	return func(sim *Simulator) { sim.rnd = src }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(sim *Simulator) { sim.now = now }
}

// WithReferenceGenerator replaces the exchange reference id generator
func WithReferenceGenerator(gen func() string) Option {
	return func(sim *Simulator) { sim.newRef = gen }
}

// New creates a simulator publishing through pub
func New(pub contracts.Publisher, policy tradingpolicy.SimulatorPolicy, log *logger.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		pub:     pub,
		policy:  policy,
		sched:   RealScheduler{},
		rnd:     NewRandomSource(),
		log:     log.WithComponent("exchange"),
		now:     func() time.Time { return time.Now().UTC() },
		newRef:  func() string { return "M7-" + uuid.NewString() },
		pending: make(map[uint64]scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, r := range contracts.Regions() {
		s.stats[i] = RegionStats{Region: r}
	}
	return s
}

// HandleOrderRequest is the bus handler for the exchange queue
func (s *Simulator) HandleOrderRequest(ctx context.Context, env bus.Envelope) error {
	var req contracts.OrderRequest
	if err := env.Decode(&req); err != nil {
		s.log.WithError(err).WithField("envelope_id", env.ID).Error("Dropping undecodable order request")
		return nil
	}
	if err := s.ProcessOrder(ctx, req); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		var invalid *invalidRequestError
		if errors.As(err, &invalid) {
			s.log.WithError(err).Error("Dropping invalid order request")
			return nil
		}
		return err
	}
	return nil
}

type invalidRequestError struct{ err error }

func (e *invalidRequestError) Error() string { return "invalid order request: " + e.err.Error() }
func (e *invalidRequestError) Unwrap() error { return e.err }

// ProcessOrder acknowledges synchronously and schedules the execution step.
// It returns once the continuation is scheduled.
func (s *Simulator) ProcessOrder(ctx context.Context, req contracts.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return &invalidRequestError{err}
	}
	log := s.log.WithOrder(req.OrderID, req.CorrelationID)

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	ack := contracts.Acknowledgment{
		CorrelationID:       req.CorrelationID,
		OrderID:             req.OrderID,
		ExchangeReferenceID: s.newRef(),
		Timestamp:           s.now(),
	}
	if err := s.pub.Publish(ctx, contracts.RouteAcknowledgment, contracts.TypeAcknowledgment, req.CorrelationID, ack); err != nil {
		return fmt.Errorf("publish acknowledgment: %w", err)
	}
	log.WithField("exchange_reference_id", ack.ExchangeReferenceID).Debug("Order acknowledged")

	delay := s.drawDelay()
	metrics.SimulatorDelay.Observe(float64(delay.Milliseconds()))

	// The continuation outlives the delivery that triggered it
	execCtx := context.WithoutCancel(ctx)
	if s.schedule(req.OrderID, delay, func() { s.execute(execCtx, req) }) {
		log.WithField("delay_ms", delay.Milliseconds()).Debug("Execution scheduled")
	}
	return nil
}

// schedule reports false when the simulator was stopped and f will never run
func (s *Simulator) schedule(orderID string, d time.Duration, f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	s.seq++
	id := s.seq
	timer := s.sched.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if live {
			f()
		}
	})
	s.pending[id] = scheduled{timer: timer, orderID: orderID}
	return true
}

func (s *Simulator) execute(ctx context.Context, req contracts.OrderRequest) {
	var result contracts.ExecutionResult
	if s.rnd.Float64() < s.policy.FillProbability {
		price := ExecutionPrice(req.Price, s.drawOffsetBps(), s.policy.TickSize)
		result = contracts.NewFilledResult(req.CorrelationID, req.OrderID, price, s.now())
	} else {
		reason := s.policy.RejectReasons[s.rnd.IntN(len(s.policy.RejectReasons))]
		result = contracts.NewRejectedResult(req.CorrelationID, req.OrderID, reason, s.now())
	}
	s.publishResult(ctx, req, result, 1)
}

// publishResult delivers the drawn outcome. The order request was already
// acked, so a failed publish is retried here with backoff; the outcome is
// never redrawn.
func (s *Simulator) publishResult(ctx context.Context, req contracts.OrderRequest, result contracts.ExecutionResult, attempt int) {
	log := s.log.WithOrder(req.OrderID, req.CorrelationID)

	err := s.pub.Publish(ctx, contracts.RouteExecution, contracts.TypeExecutionResult, req.CorrelationID, result)
	if err != nil {
		if attempt > s.policy.ResultRetries {
			log.WithError(err).WithField("attempts", attempt).Error("Giving up on execution result, order stays SUBMITTED")
			metrics.SimulatorOutcomes.WithLabelValues(string(req.Region), "lost").Inc()
			return
		}
		backoff := s.policy.RetryBackoff(attempt)
		log.WithError(err).WithFields(map[string]interface{}{
			"attempt":  attempt,
			"retry_in": backoff.String(),
		}).Warn("Failed to publish execution result, retrying")
		if !s.schedule(req.OrderID, backoff, func() { s.publishResult(ctx, req, result, attempt+1) }) {
			log.Warn("Simulator stopped, execution result dropped")
		}
		return
	}
	s.record(req.Region, result)

	if result.Filled {
		log.WithField("execution_price", result.ExecutionPrice.String()).Info("Order filled")
	} else {
		log.WithField("reason", result.RejectReason).Info("Order rejected")
	}
}

// ExecutionPrice applies offsetBps (1/100 of a percent) to price and rounds
// half-up to a multiple of tick
func ExecutionPrice(price decimal.Decimal, offsetBps int, tick decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(int64(offsetBps)).Div(bpsDenominator).Add(decimal.NewFromInt(1))
	raw := price.Mul(factor)
	return raw.Div(tick).Round(0).Mul(tick)
}

func (s *Simulator) drawDelay() time.Duration {
	span := s.policy.MaxDelayMs - s.policy.MinDelayMs
	ms := s.policy.MinDelayMs
	if span > 0 {
		ms += s.rnd.IntN(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Simulator) drawOffsetBps() int {
	bound := s.policy.MaxPriceVariationBps
	if bound == 0 {
		return 0
	}
	return s.rnd.IntN(2*bound+1) - bound
}

func (s *Simulator) record(region contracts.Region, result contracts.ExecutionResult) {
	outcome := "reject"
	if result.Filled {
		outcome = "fill"
	}
	metrics.SimulatorOutcomes.WithLabelValues(string(region), outcome).Inc()

	idx, ok := region.Index()
	if !ok {
		return
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if result.Filled {
		s.stats[idx].Fills++
		price := *result.ExecutionPrice
		s.stats[idx].LastPrice = &price
	} else {
		s.stats[idx].Rejects++
	}
}

// Stats returns a snapshot for every region, in Regions() order
func (s *Simulator) Stats() [contracts.NumRegions]RegionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// InFlight returns the number of scheduled executions
func (s *Simulator) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every scheduled execution and refuses new requests
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
		s.log.WithField("order_id", p.orderID).Warn("Execution canceled by shutdown, order stays SUBMITTED")
	}
	s.log.Info("Simulator stopped")
}
