// Package bus is the at-least-once, routing-key based message transport
// between the order service, the exchange simulator and the notifier.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/redis"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("bus closed")

// Envelope wraps every message on the bus
type Envelope struct {
	ID            string                `json:"id"`
	Type          contracts.MessageType `json:"type"`
	RoutingKey    string                `json:"routingKey"`
	CorrelationID string                `json:"correlationId"`
	Payload       json.RawMessage       `json:"payload"`
	PublishedAt   time.Time             `json:"publishedAt"`
	Attempt       int                   `json:"attempt"` // 1 on first delivery
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Handler processes one delivery. A non-nil error requests redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Bus publishes envelopes and feeds subscribed queues
type Bus interface {
	contracts.Publisher
	// Subscribe binds a queue to routing keys. Must be called before Start.
	Subscribe(queue string, routingKeys []string, h Handler) error
	// Start launches the consumers of every subscribed queue
	Start(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Stats counts deliveries across all queues
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Redelivered int64 `json:"redelivered"`
	Dropped     int64 `json:"dropped"`
}

// Options shared by drivers
type Options struct {
	Consumers     int  // consumer goroutines per queue
	MaxDeliveries int  // attempts before a failing message is dropped
	Duplicate     bool // memory only: deliver every message twice
	Buffer        int  // memory only: queue capacity
}

// New builds the driver selected in config
func New(cfg *config.Config, rdb *redis.Client, log *logger.Logger) (Bus, error) {
	opts := Options{
		Consumers:     cfg.Bus.Consumers,
		MaxDeliveries: cfg.Bus.MaxDeliveries,
	}

	switch cfg.Bus.Driver {
	case config.BusDriverMemory:
		return NewMemory(opts, log), nil
	case config.BusDriverRedis:
		if rdb == nil || !rdb.Enabled() {
			return nil, fmt.Errorf("redis bus requires an enabled redis client")
		}
		return NewRedisStreams(rdb.Redis(), StreamsConfig{
			Options:   opts,
			Prefix:    cfg.Bus.StreamPrefix,
			Consumer:  cfg.Bus.ConsumerName,
			ClaimIdle: cfg.Bus.ClaimIdle,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func newEnvelope(routingKey string, msgType contracts.MessageType, correlationID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		RoutingKey:    routingKey,
		CorrelationID: correlationID,
		Payload:       data,
		PublishedAt:   time.Now().UTC(),
		Attempt:       1,
	}, nil
}

// invoke runs h and turns a panic into an error so one bad message cannot
// take a consumer down
func invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

func (o Options) withDefaults() Options {
	if o.Consumers < 1 {
		o.Consumers = 1
	}
	if o.MaxDeliveries < 1 {
		o.MaxDeliveries = 1
	}
	if o.Buffer < 1 {
		o.Buffer = 1024
	}
	return o
}
