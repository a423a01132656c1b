package bus

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
)

func testRedis(t *testing.T) *goredis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("REDIS_TEST_ADDR not set, skipping integration test")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStreams_DeliversAndRedelivers(t *testing.T) {
	rdb := testRedis(t)
	prefix := "m7test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(context.Background(), keys...)
		}
	})

	b := NewRedisStreams(rdb, StreamsConfig{
		Options:   Options{Consumers: 1, MaxDeliveries: 3},
		Prefix:    prefix,
		Consumer:  "test",
		ClaimIdle: 200 * time.Millisecond,
	}, logger.Nop())

	var calls atomic.Int32
	var correlation atomic.Value
	require.NoError(t, b.Subscribe(QueueExchangeResponses, Bindings[QueueExchangeResponses], func(ctx context.Context, env Envelope) error {
		correlation.Store(env.CorrelationID)
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), contracts.RouteAcknowledgment, contracts.TypeAcknowledgment, "c-1", map[string]string{"orderId": "O1"}))

	assert.Eventually(t, func() bool { return b.Stats().Delivered == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "c-1", correlation.Load())
}
