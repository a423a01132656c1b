package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/m7sim/internal/api/handlers"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/lifecycle"
	"github.com/wonny/m7sim/internal/store"
	"github.com/wonny/m7sim/internal/tradingpolicy"
	"github.com/wonny/m7sim/internal/validation"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/redis"
)

type routedMessage struct {
	routingKey string
	payload    any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []routedMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ contracts.MessageType, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && routingKey == contracts.RouteOrderRequest {
		return p.err
	}
	p.msgs = append(p.msgs, routedMessage{routingKey, payload})
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.routingKey == routingKey {
			n++
		}
	}
	return n
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type testAPI struct {
	handler http.Handler
	mgr     *lifecycle.Manager
	pub     *recordingPublisher
}

func newTestAPI(t *testing.T, limit int, checks map[string]handlers.Pinger) *testAPI {
	t.Helper()

	rdb, err := redis.New(&config.Config{})
	require.NoError(t, err)
	require.False(t, rdb.Enabled())

	policy := tradingpolicy.Default()
	pub := &recordingPublisher{}
	mgr := lifecycle.NewManager(store.NewMemory(), validation.New(policy.Validation), pub, logger.Nop())

	orders := handlers.NewOrderHandler(
		mgr,
		redis.NewRateLimiter(rdb, "test"),
		handlers.SubmitLimit{Limit: limit, Window: time.Minute},
		redis.NewCache(rdb, "test"),
		logger.Nop(),
	)
	health := handlers.NewHealthHandler("m7sim-test", nil, nil, checks)

	return &testAPI{
		handler: NewRouter(Routes{Orders: orders, Health: health, Metrics: true}, logger.Nop()),
		mgr:     mgr,
		pub:     pub,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

const validOrder = `{"orderId":"ORD-1","userId":"alice","region":"NORTH","side":"BUY","quantity":"10","price":"45.50"}`

func TestSubmitOrder(t *testing.T) {
	a := newTestAPI(t, 10, nil)

	rec := a.do(t, http.MethodPost, "/api/orders", validOrder, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var order contracts.Order
	decodeBody(t, rec, &order)
	assert.Equal(t, "ORD-1", order.OrderID)
	assert.Equal(t, contracts.StatusPending, order.Status)
	assert.NotEmpty(t, order.CorrelationID)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("45.50")))
	assert.Equal(t, 1, a.pub.count(contracts.RouteOrderRequest))
}

func TestSubmitOrder_UserFromHeader(t *testing.T) {
	a := newTestAPI(t, 10, nil)

	body := `{"orderId":"ORD-H","region":"EAST","side":"SELL","quantity":"1","price":"10"}`
	rec := a.do(t, http.MethodPost, "/api/orders", body, map[string]string{"X-User-ID": "bob"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var order contracts.Order
	decodeBody(t, rec, &order)
	assert.Equal(t, "bob", order.UserID)
}

func TestSubmitOrder_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{
			name:     "malformed json",
			body:     `{"orderId":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:      "zero quantity",
			body:      `{"orderId":"ORD-Z","userId":"alice","region":"NORTH","side":"BUY","quantity":"0","price":"45.50"}`,
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "quantity",
		},
		{
			name:      "price above bound",
			body:      `{"orderId":"ORD-P","userId":"alice","region":"NORTH","side":"BUY","quantity":"1","price":"500.01"}`,
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "price",
		},
		{
			name:      "unknown region",
			body:      `{"orderId":"ORD-R","userId":"alice","region":"CENTRAL","side":"BUY","quantity":"1","price":"1"}`,
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "region",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, 10, nil)

			rec := a.do(t, http.MethodPost, "/api/orders", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			var resp handlers.ErrorResponse
			decodeBody(t, rec, &resp)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantField, resp.Field)
			assert.Zero(t, a.pub.count(contracts.RouteOrderRequest), "nothing reaches the exchange")
		})
	}
}

func TestSubmitOrder_Duplicate(t *testing.T) {
	a := newTestAPI(t, 10, nil)

	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", validOrder, nil).Code)
	rec := a.do(t, http.MethodPost, "/api/orders", validOrder, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, a.pub.count(contracts.RouteOrderRequest))
}

func TestSubmitOrder_RateLimited(t *testing.T) {
	a := newTestAPI(t, 2, nil)

	for i, id := range []string{"A", "B"} {
		body := strings.Replace(validOrder, "ORD-1", "ORD-"+id, 1)
		require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", body, nil).Code, "submission %d", i)
	}

	body := strings.Replace(validOrder, "ORD-1", "ORD-C", 1)
	rec := a.do(t, http.MethodPost, "/api/orders", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another user has their own budget
	other := strings.Replace(strings.Replace(validOrder, "ORD-1", "ORD-D", 1), "alice", "carol", 1)
	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", other, nil).Code)
}

func TestSubmitOrder_NotForwarded(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	a.pub.err = errors.New("bus closed")

	rec := a.do(t, http.MethodPost, "/api/orders", validOrder, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	order, err := a.mgr.Get(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, order.Status)
}

func TestGetOrder(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", validOrder, nil).Code)

	rec := a.do(t, http.MethodGet, "/api/orders/ORD-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order contracts.Order
	decodeBody(t, rec, &order)
	assert.Equal(t, contracts.StatusPending, order.Status)

	rec = a.do(t, http.MethodGet, "/api/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_AfterFill(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	ctx := context.Background()
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", validOrder, nil).Code)

	order, err := a.mgr.Get(ctx, "ORD-1")
	require.NoError(t, err)
	require.NoError(t, a.mgr.OnAcknowledgment(ctx, contracts.Acknowledgment{
		CorrelationID:       order.CorrelationID,
		OrderID:             "ORD-1",
		ExchangeReferenceID: "M7-REF",
		Timestamp:           time.Now(),
	}))
	price := decimal.RequireFromString("46.41")
	require.NoError(t, a.mgr.OnExecutionResult(ctx, contracts.ExecutionResult{
		CorrelationID:  order.CorrelationID,
		OrderID:        "ORD-1",
		Filled:         true,
		ExecutionPrice: &price,
		Timestamp:      time.Now(),
	}))

	rec := a.do(t, http.MethodGet, "/api/orders/ORD-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got contracts.Order
	decodeBody(t, rec, &got)
	assert.Equal(t, contracts.StatusFilled, got.Status)
	require.NotNil(t, got.ExecutionPrice)
	assert.True(t, got.ExecutionPrice.Equal(price))
	assert.Equal(t, "M7-REF", got.ExchangeReferenceID)
}

func TestListUserOrders(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	for _, id := range []string{"A", "B"} {
		body := strings.Replace(validOrder, "ORD-1", "ORD-"+id, 1)
		require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", body, nil).Code)
	}

	rec := a.do(t, http.MethodGet, "/api/users/alice/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count  int               `json:"count"`
		Orders []contracts.Order `json:"orders"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Orders, 2)

	rec = a.do(t, http.MethodGet, "/api/users/nobody/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Zero(t, resp.Count)
	assert.NotNil(t, resp.Orders)
}

func TestCancelOrder(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", validOrder, nil).Code)

	// No user
	rec := a.do(t, http.MethodPost, "/api/orders/ORD-1/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Other user's order looks absent
	rec = a.do(t, http.MethodPost, "/api/orders/ORD-1/cancel", "", map[string]string{"X-User-ID": "mallory"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/orders/ORD-1/cancel", "", map[string]string{"X-User-ID": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var order contracts.Order
	decodeBody(t, rec, &order)
	assert.Equal(t, contracts.StatusCanceled, order.Status)

	// Already terminal
	rec = a.do(t, http.MethodPost, "/api/orders/ORD-1/cancel", "", map[string]string{"X-User-ID": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp handlers.ErrorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(contracts.StatusCanceled), resp.Status)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		a := newTestAPI(t, 10, map[string]handlers.Pinger{"database": okPinger{}})
		rec := a.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("degraded", func(t *testing.T) {
		a := newTestAPI(t, 10, map[string]handlers.Pinger{"redis": failingPinger{}})
		rec := a.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, 10, nil)
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/orders", validOrder, nil).Code)

	rec := a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "m7sim_")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
