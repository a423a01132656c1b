package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

// Memory is an in-process bus with the same delivery contract as the
// redis driver: at-least-once, no ordering across consumers.
type Memory struct {
	opts Options
	log  *logger.Logger

	mu       sync.RWMutex
	queues   map[string]*memQueue
	bindings map[string][]*memQueue
	started  bool
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	published, delivered, redelivered, dropped atomic.Int64
}

type memQueue struct {
	name    string
	ch      chan Envelope
	handler Handler
}

// NewMemory creates an in-process bus
func NewMemory(opts Options, log *logger.Logger) *Memory {
	return &Memory{
		opts:     opts.withDefaults(),
		log:      log.WithComponent("bus.memory"),
		queues:   make(map[string]*memQueue),
		bindings: make(map[string][]*memQueue),
		done:     make(chan struct{}),
	}
}

// Subscribe binds a queue to routing keys
func (m *Memory) Subscribe(queue string, routingKeys []string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("subscribe %s: bus already started", queue)
	}
	if _, exists := m.queues[queue]; exists {
		return fmt.Errorf("subscribe %s: queue already has a consumer", queue)
	}

	q := &memQueue{name: queue, ch: make(chan Envelope, m.opts.Buffer), handler: h}
	m.queues[queue] = q
	for _, key := range routingKeys {
		m.bindings[key] = append(m.bindings[key], q)
	}
	return nil
}

// Publish routes a message to every bound queue
func (m *Memory) Publish(ctx context.Context, routingKey string, msgType contracts.MessageType, correlationID string, payload any) error {
	env, err := newEnvelope(routingKey, msgType, correlationID, payload)
	if err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	targets := m.bindings[routingKey]
	m.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	m.published.Add(1)

	if len(targets) == 0 {
		m.log.WithField("routing_key", routingKey).Debug("No queue bound, message discarded")
		return nil
	}

	copies := 1
	if m.opts.Duplicate {
		copies = 2
	}
	for _, q := range targets {
		for i := 0; i < copies; i++ {
			if err := m.enqueue(ctx, q, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memory) enqueue(ctx context.Context, q *memQueue, env Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Start launches Consumers goroutines per queue
func (m *Memory) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return fmt.Errorf("bus already started")
	}
	m.started = true

	for _, q := range m.queues {
		for i := 0; i < m.opts.Consumers; i++ {
			m.wg.Add(1)
			go m.consume(ctx, q)
		}
	}

	m.log.WithFields(map[string]interface{}{
		"queues":    len(m.queues),
		"consumers": m.opts.Consumers,
	}).Info("Memory bus started")
	return nil
}

func (m *Memory) consume(ctx context.Context, q *memQueue) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case env := <-q.ch:
			m.deliver(ctx, q, env)
		}
	}
}

func (m *Memory) deliver(ctx context.Context, q *memQueue, env Envelope) {
	err := invoke(ctx, q.handler, env)
	if err == nil {
		m.delivered.Add(1)
		return
	}

	log := m.log.WithError(err).WithFields(map[string]interface{}{
		"queue":          q.name,
		"envelope_id":    env.ID,
		"correlation_id": env.CorrelationID,
		"attempt":        env.Attempt,
	})

	if env.Attempt >= m.opts.MaxDeliveries {
		m.dropped.Add(1)
		metrics.RecordDrop(metrics.DropDeliveryExhausted)
		log.Error("Delivery attempts exhausted, dropping message")
		return
	}

	log.Warn("Handler failed, redelivering")
	m.redelivered.Add(1)
	env.Attempt++

	// Requeue off the consumer goroutine so a full queue cannot block it
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case q.ch <- env:
		case <-m.done:
		case <-ctx.Done():
		}
	}()
}

// Close stops consumers; undelivered messages are discarded
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.done)
		m.wg.Wait()
		m.log.Info("Memory bus closed")
	})
	return nil
}

// Stats returns delivery counters
func (m *Memory) Stats() Stats {
	return Stats{
		Published:   m.published.Load(),
		Delivered:   m.delivered.Load(),
		Redelivered: m.redelivered.Load(),
		Dropped:     m.dropped.Load(),
	}
}
