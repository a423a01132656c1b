package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

const (
	envelopeField = "envelope"
	readBlock     = 2 * time.Second
	readCount     = 16
	streamMaxLen  = 100_000
)

// StreamsConfig configures the redis streams driver
type StreamsConfig struct {
	Options
	Prefix    string        // stream key prefix
	Consumer  string        // consumer name inside each group
	ClaimIdle time.Duration // pending entries idle this long are reclaimed
}

// RedisStreams maps each routing key to a stream and each queue to a
// consumer group. Unacknowledged entries are reclaimed with XPENDING/XCLAIM
// and dropped after MaxDeliveries.
type RedisStreams struct {
	rdb *goredis.Client
	cfg StreamsConfig
	log *logger.Logger

	mu      sync.Mutex
	subs    []*streamSub
	started bool
	closed  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	published, delivered, redelivered, dropped atomic.Int64
}

type streamSub struct {
	queue   string
	streams []string
	handler Handler
}

// NewRedisStreams creates the redis driver
func NewRedisStreams(rdb *goredis.Client, cfg StreamsConfig, log *logger.Logger) *RedisStreams {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Prefix == "" {
		cfg.Prefix = "m7"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "m7sim"
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	return &RedisStreams{
		rdb: rdb,
		cfg: cfg,
		log: log.WithComponent("bus.redis"),
	}
}

func (r *RedisStreams) stream(routingKey string) string {
	return fmt.Sprintf("%s:stream:%s", r.cfg.Prefix, routingKey)
}

// Publish appends the envelope to the routing key's stream
func (r *RedisStreams) Publish(ctx context.Context, routingKey string, msgType contracts.MessageType, correlationID string, payload any) error {
	if r.closed.Load() {
		return ErrClosed
	}

	env, err := newEnvelope(routingKey, msgType, correlationID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = r.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream(routingKey),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{envelopeField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", routingKey, err)
	}

	r.published.Add(1)
	return nil
}

// Subscribe registers a consumer group for the queue
func (r *RedisStreams) Subscribe(queue string, routingKeys []string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("subscribe %s: bus already started", queue)
	}
	streams := make([]string, 0, len(routingKeys))
	for _, key := range routingKeys {
		streams = append(streams, r.stream(key))
	}
	r.subs = append(r.subs, &streamSub{queue: queue, streams: streams, handler: h})
	return nil
}

// Start creates the consumer groups and launches readers and claimers
func (r *RedisStreams) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrClosed
	}
	if r.started {
		return fmt.Errorf("bus already started")
	}

	for _, sub := range r.subs {
		for _, stream := range sub.streams {
			err := r.rdb.XGroupCreateMkStream(ctx, stream, sub.queue, "0").Err()
			if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
				return fmt.Errorf("create group %s on %s: %w", sub.queue, stream, err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	for _, sub := range r.subs {
		for i := 0; i < r.cfg.Consumers; i++ {
			consumer := fmt.Sprintf("%s-%d", r.cfg.Consumer, i)
			r.wg.Add(1)
			go r.read(runCtx, sub, consumer)
		}
		r.wg.Add(1)
		go r.claim(runCtx, sub)
	}

	r.log.WithFields(map[string]interface{}{
		"queues":    len(r.subs),
		"consumers": r.cfg.Consumers,
	}).Info("Redis streams bus started")
	return nil
}

func (r *RedisStreams) read(ctx context.Context, sub *streamSub, consumer string) {
	defer r.wg.Done()

	streams := make([]string, 0, len(sub.streams)*2)
	streams = append(streams, sub.streams...)
	for range sub.streams {
		streams = append(streams, ">")
	}

	for ctx.Err() == nil {
		res, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    sub.queue,
			Consumer: consumer,
			Streams:  streams,
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).WithField("queue", sub.queue).Error("XREADGROUP failed")
			sleep(ctx, time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				r.handle(ctx, sub, s.Stream, msg, 1)
			}
		}
	}
}

// claim periodically takes over entries that stayed unacknowledged, either
// because the handler failed or because their consumer died
func (r *RedisStreams) claim(ctx context.Context, sub *streamSub) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ClaimIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range sub.streams {
				if err := r.claimStream(ctx, sub, stream); err != nil && ctx.Err() == nil {
					r.log.WithError(err).WithField("stream", stream).Error("Failed to reclaim pending entries")
				}
			}
		}
	}
}

func (r *RedisStreams) claimStream(ctx context.Context, sub *streamSub, stream string) error {
	pending, err := r.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  sub.queue,
		Idle:   r.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	consumer := r.cfg.Consumer + "-claim"
	for _, p := range pending {
		if int(p.RetryCount) >= r.cfg.MaxDeliveries {
			r.dropped.Add(1)
			metrics.RecordDrop(metrics.DropDeliveryExhausted)
			r.log.WithFields(map[string]interface{}{
				"queue":     sub.queue,
				"stream_id": p.ID,
				"attempts":  p.RetryCount,
			}).Error("Delivery attempts exhausted, dropping message")
			if err := r.rdb.XAck(ctx, stream, sub.queue, p.ID).Err(); err != nil {
				return fmt.Errorf("xack: %w", err)
			}
			continue
		}

		msgs, err := r.rdb.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    sub.queue,
			Consumer: consumer,
			MinIdle:  r.cfg.ClaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim: %w", err)
		}
		for _, msg := range msgs {
			r.redelivered.Add(1)
			r.handle(ctx, sub, stream, msg, int(p.RetryCount)+1)
		}
	}
	return nil
}

func (r *RedisStreams) handle(ctx context.Context, sub *streamSub, stream string, msg goredis.XMessage, attempt int) {
	log := r.log.WithFields(map[string]interface{}{
		"queue":     sub.queue,
		"stream_id": msg.ID,
	})

	raw, _ := msg.Values[envelopeField].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Never decodable, acknowledge so it is not reclaimed forever
		log.WithError(err).Error("Dropping undecodable stream entry")
		r.dropped.Add(1)
		_ = r.rdb.XAck(ctx, stream, sub.queue, msg.ID).Err()
		return
	}
	env.Attempt = attempt

	if err := invoke(ctx, sub.handler, env); err != nil {
		// Left pending, the claimer redelivers it after ClaimIdle
		log.WithError(err).WithFields(map[string]interface{}{
			"correlation_id": env.CorrelationID,
			"attempt":        attempt,
		}).Warn("Handler failed, message left pending")
		return
	}

	if err := r.rdb.XAck(ctx, stream, sub.queue, msg.ID).Err(); err != nil {
		log.WithError(err).Error("XACK failed, message will be redelivered")
		return
	}
	r.delivered.Add(1)
}

// Close stops readers and claimers. The redis client is owned by the caller.
func (r *RedisStreams) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.log.Info("Redis streams bus closed")
	return nil
}

// Stats returns delivery counters of this process
func (r *RedisStreams) Stats() Stats {
	return Stats{
		Published:   r.published.Load(),
		Delivered:   r.delivered.Load(),
		Redelivered: r.redelivered.Load(),
		Dropped:     r.dropped.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
