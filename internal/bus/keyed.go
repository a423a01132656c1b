package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// KeyedDispatcher runs a handler on a fixed set of single-goroutine
// workers, choosing the worker by hashing a key. Messages with the same key
// are handled one at a time in arrival order.
type KeyedDispatcher struct {
	workers []chan keyedJob
	key     func(Envelope) string
	next    Handler

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type keyedJob struct {
	ctx    context.Context
	env    Envelope
	result chan error
}

// NewKeyedDispatcher starts n workers in front of next
func NewKeyedDispatcher(n int, key func(Envelope) string, next Handler) *KeyedDispatcher {
	if n < 1 {
		n = 1
	}
	d := &KeyedDispatcher{
		workers: make([]chan keyedJob, n),
		key:     key,
		next:    next,
	}
	for i := range d.workers {
		ch := make(chan keyedJob, 256)
		d.workers[i] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range ch {
				job.result <- invoke(job.ctx, d.next, job.env)
			}
		}()
	}
	return d
}

// Handle is a Handler: it waits for the keyed worker so the caller's
// redelivery decision still sees the handler's error
func (d *KeyedDispatcher) Handle(ctx context.Context, env Envelope) error {
	idx := xxhash.Sum64String(d.key(env)) % uint64(len(d.workers))
	job := keyedJob{ctx: ctx, env: env, result: make(chan error, 1)}

	select {
	case d.workers[idx] <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after queued jobs finish. Handle must not be
// called afterwards.
func (d *KeyedDispatcher) Close() {
	d.closeOnce.Do(func() {
		for _, ch := range d.workers {
			close(ch)
		}
		d.wg.Wait()
	})
}

// OrderIDKey extracts the orderId field every payload carries
func OrderIDKey(env Envelope) string {
	var k struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(env.Payload, &k); err != nil || k.OrderID == "" {
		return env.CorrelationID
	}
	return k.OrderID
}
