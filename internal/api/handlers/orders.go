package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/lifecycle"
	"github.com/wonny/m7sim/internal/validation"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
	"github.com/wonny/m7sim/pkg/redis"
)

// OrderService is the part of the lifecycle manager the REST surface uses
type OrderService interface {
	Submit(ctx context.Context, sub contracts.OrderSubmission) (contracts.Order, error)
	Get(ctx context.Context, orderID string) (contracts.Order, error)
	ListByUser(ctx context.Context, userID string) ([]contracts.Order, error)
	Cancel(ctx context.Context, orderID, userID string) (contracts.Order, error)
}

// SubmitLimit bounds submissions per user
type SubmitLimit struct {
	Limit  int
	Window time.Duration
}

// OrderHandler serves the order endpoints
// ⭐ SSOT: order REST handlers live only here
type OrderHandler struct {
	orders  OrderService
	limiter *redis.RateLimiter
	limit   SubmitLimit
	cache   *redis.Cache
	logger  *logger.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders OrderService, limiter *redis.RateLimiter, limit SubmitLimit, cache *redis.Cache, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		limiter: limiter,
		limit:   limit,
		cache:   cache,
		logger:  log.WithComponent("api"),
	}
}

// Submit accepts a new order
// POST /api/orders
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sub contracts.OrderSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if sub.UserID == "" {
		sub.UserID = userIDFrom(r)
	}

	if sub.UserID != "" && h.limiter != nil {
		allowed, remaining, err := h.limiter.Allow(ctx, redis.SubmitRateLimit(sub.UserID, h.limit.Limit, h.limit.Window))
		if err != nil {
			// Fail open: the limiter is not part of the order pipeline
			h.logger.WithError(err).Warn("Rate limiter unavailable")
		} else if !allowed {
			metrics.Submissions.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limit.Window.Seconds())+1))
			respondError(w, http.StatusTooManyRequests, "Too many submissions")
			return
		} else {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
	}

	order, err := h.orders.Submit(ctx, sub)
	var rejection *validation.Rejection
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, order)
	case errors.As(err, &rejection):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  rejection.UserReason(),
			Field:  rejection.Field,
			Status: string(contracts.StatusRejected),
		})
	case errors.Is(err, contracts.ErrDuplicateOrder):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "Duplicate order id",
			Status: string(contracts.StatusRejected),
		})
	case order.OrderID != "":
		// Persisted as PENDING but not forwarded to the exchange
		h.logger.WithOrder(order.OrderID, order.CorrelationID).WithError(err).Error("Order not forwarded")
		respondError(w, http.StatusServiceUnavailable, "Order recorded but not forwarded to the exchange")
	default:
		h.logger.WithError(err).Error("Failed to submit order")
		respondError(w, http.StatusInternalServerError, "Failed to submit order")
	}
}

// Get returns one order
// GET /api/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := mux.Vars(r)["id"]

	var order contracts.Order
	if hit, err := h.cache.Get(ctx, redis.OrderKey(orderID), &order); err != nil {
		h.logger.WithError(err).Debug("Order cache read failed")
	} else if hit {
		respondJSON(w, http.StatusOK, order)
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if errors.Is(err, contracts.ErrOrderNotFound) {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to get order")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve order")
		return
	}

	// Terminal orders never change again
	if order.Status.IsTerminal() {
		if err := h.cache.Set(ctx, redis.OrderKey(orderID), order, redis.TTLLong); err != nil {
			h.logger.WithError(err).Debug("Order cache write failed")
		}
	}

	respondJSON(w, http.StatusOK, order)
}

// ListByUser returns a user's orders, newest first
// GET /api/users/{userId}/orders
func (h *OrderHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	orders, err := h.orders.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		respondError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}
	if orders == nil {
		orders = []contracts.Order{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"count":  len(orders),
		"orders": orders,
	})
}

// Cancel cancels a PENDING order of the calling user
// POST /api/orders/{id}/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	userID := userIDFrom(r)
	if userID == "" {
		respondError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	order, err := h.orders.Cancel(r.Context(), orderID, userID)
	var terr *lifecycle.TransitionError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, order)
	case errors.Is(err, contracts.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "Order not found")
	case errors.As(err, &terr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "Order can no longer be canceled",
			Status: string(terr.Current),
		})
	default:
		h.logger.WithError(err).Error("Failed to cancel order")
		respondError(w, http.StatusInternalServerError, "Failed to cancel order")
	}
}
