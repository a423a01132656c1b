package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

// maxCASAttempts bounds re-reads after a concurrent update
const maxCASAttempts = 3

// SubmissionValidator accepts or rejects a client submission
type SubmissionValidator interface {
	Validate(sub contracts.OrderSubmission) error
}

// Manager is the single authority for order state.
// ⭐ SSOT: order records are written only through the Manager
type Manager struct {
	repo      contracts.OrderRepository
	validator SubmissionValidator
	pub       contracts.Publisher
	log       *logger.Logger

	now   func() time.Time
	newID func() string
}

// Option customises a Manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the correlation id generator
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a new order lifecycle manager
func NewManager(repo contracts.OrderRepository, validator SubmissionValidator, pub contracts.Publisher, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		validator: validator,
		pub:       pub,
		log:       log.WithComponent("lifecycle"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates, persists and forwards a client submission.
// A validation failure or a duplicate order id is reported to the user as
// REJECTED and returned; no record is created and nothing reaches the exchange.
func (m *Manager) Submit(ctx context.Context, sub contracts.OrderSubmission) (contracts.Order, error) {
	correlationID := m.newID()
	log := m.log.WithOrder(sub.OrderID, correlationID).WithField("user_id", sub.UserID)

	if err := m.validator.Validate(sub); err != nil {
		log.WithError(err).Info("Submission rejected by validation")
		metrics.Submissions.WithLabelValues("invalid").Inc()
		m.notify(ctx, log, notification(sub.OrderID, correlationID, sub.UserID, contracts.StatusRejected, invalidMessage(reasonOf(err)), m.now()))
		return contracts.Order{}, err
	}

	now := m.now()
	order := contracts.Order{
		OrderID:       sub.OrderID,
		CorrelationID: correlationID,
		UserID:        sub.UserID,
		Region:        sub.Region,
		Side:          sub.Side,
		Quantity:      sub.Quantity,
		Price:         sub.Price,
		Status:        contracts.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.repo.Create(ctx, order); err != nil {
		if errors.Is(err, contracts.ErrDuplicateOrder) {
			log.Warn("Submission rejected: duplicate order id")
			metrics.Submissions.WithLabelValues("duplicate").Inc()
			m.notify(ctx, log, notification(sub.OrderID, correlationID, sub.UserID, contracts.StatusRejected, duplicateMessage(), now))
			return contracts.Order{}, err
		}
		metrics.Submissions.WithLabelValues("error").Inc()
		return contracts.Order{}, fmt.Errorf("create order %s: %w", sub.OrderID, err)
	}

	log.Info("Order created")
	metrics.Submissions.WithLabelValues("accepted").Inc()
	m.notify(ctx, log, orderNotification(order, receivedMessage()))

	req, err := contracts.NewOrderRequest(order)
	if err != nil {
		return order, err
	}
	if err := m.pub.Publish(ctx, contracts.RouteOrderRequest, contracts.TypeOrderRequest, correlationID, req); err != nil {
		// The record stays PENDING and is reported by the stale order sweep.
		log.WithError(err).Error("Failed to publish order request")
		return order, fmt.Errorf("publish order request %s: %w", order.OrderID, err)
	}

	log.Debug("Order request published")
	return order, nil
}

// OnAcknowledgment moves PENDING -> SUBMITTED.
// A returned error asks the transport to redeliver.
func (m *Manager) OnAcknowledgment(ctx context.Context, ack contracts.Acknowledgment) error {
	log := m.log.WithOrder(ack.OrderID, ack.CorrelationID).WithField("msg_type", contracts.TypeAcknowledgment)
	if err := ack.Validate(); err != nil {
		log.WithError(err).Error("Dropping malformed acknowledgment")
		metrics.RecordDrop(metrics.DropMalformed)
		return nil
	}

	updated, applied, err := m.transition(ctx, log, ack.OrderID, Acknowledged(ack.ExchangeReferenceID, m.now()))
	if err != nil || !applied {
		return err
	}

	m.notify(ctx, log, orderNotification(updated, submittedMessage(updated)))
	return nil
}

// OnExecutionResult moves SUBMITTED -> FILLED or SUBMITTED -> REJECTED
func (m *Manager) OnExecutionResult(ctx context.Context, result contracts.ExecutionResult) error {
	log := m.log.WithOrder(result.OrderID, result.CorrelationID).WithField("msg_type", contracts.TypeExecutionResult)
	if err := result.Validate(); err != nil {
		log.WithError(err).Error("Dropping malformed execution result")
		metrics.RecordDrop(metrics.DropMalformed)
		return nil
	}

	ev := Rejected(result.RejectReason, m.now())
	if result.Filled {
		ev = Filled(result.ExecutionPrice, m.now())
	}

	updated, applied, err := m.transition(ctx, log, result.OrderID, ev)
	if err != nil || !applied {
		return err
	}

	msg := exchangeRejectedMessage(updated)
	if updated.Status == contracts.StatusFilled {
		msg = filledMessage(updated)
	}
	m.notify(ctx, log, orderNotification(updated, msg))
	return nil
}

// Cancel moves PENDING -> CANCELED for the owning user. Any other state
// returns *TransitionError; an order of another user is ErrOrderNotFound.
func (m *Manager) Cancel(ctx context.Context, orderID, userID string) (contracts.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := m.repo.FindByOrderID(ctx, orderID)
		if err != nil {
			return contracts.Order{}, err
		}
		if order.UserID != userID {
			return contracts.Order{}, contracts.ErrOrderNotFound
		}
		log := m.log.WithOrder(order.OrderID, order.CorrelationID)

		next, err := Apply(order, Canceled(m.now()))
		if err != nil {
			log.WithError(err).Info("Cancel refused")
			return order, err
		}

		err = m.repo.Update(ctx, next, order.Status)
		if errors.Is(err, contracts.ErrStaleOrder) && attempt < maxCASAttempts {
			continue
		}
		if err != nil {
			return order, fmt.Errorf("cancel order %s: %w", orderID, err)
		}

		metrics.RecordTransition(string(order.Status), string(next.Status))
		log.Info("Order canceled")
		m.notify(ctx, log, orderNotification(next, canceledMessage()))
		return next, nil
	}
}

// Get returns one order
func (m *Manager) Get(ctx context.Context, orderID string) (contracts.Order, error) {
	return m.repo.FindByOrderID(ctx, orderID)
}

// ListByUser returns a user's orders, newest first
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]contracts.Order, error) {
	return m.repo.FindByUser(ctx, userID)
}

// transition runs read -> Apply -> compare-and-swap for an exchange event.
// applied is false when the message was dropped (unknown order, illegal
// transition, malformed event); err is only set for repository failures.
func (m *Manager) transition(ctx context.Context, log *logger.Logger, orderID string, ev Event) (contracts.Order, bool, error) {
	for attempt := 1; ; attempt++ {
		order, err := m.repo.FindByOrderID(ctx, orderID)
		if errors.Is(err, contracts.ErrOrderNotFound) {
			log.WithField("event", ev.Kind).Error("Exchange message for unknown order, dropping")
			metrics.RecordDrop(metrics.DropUnknownOrder)
			return contracts.Order{}, false, nil
		}
		if err != nil {
			return contracts.Order{}, false, fmt.Errorf("load order %s: %w", orderID, err)
		}

		next, err := Apply(order, ev)
		var tErr *TransitionError
		switch {
		case errors.As(err, &tErr):
			log.WithFields(map[string]interface{}{
				"current":  tErr.Current,
				"expected": tErr.Expected,
				"event":    tErr.Event,
			}).Warn("Ignoring duplicate or out-of-order message")
			metrics.RecordDrop(metrics.DropIllegalTransition)
			return order, false, nil
		case err != nil:
			log.WithError(err).Error("Dropping exchange message")
			metrics.RecordDrop(metrics.DropMalformed)
			return order, false, nil
		}

		err = m.repo.Update(ctx, next, order.Status)
		if errors.Is(err, contracts.ErrStaleOrder) {
			if attempt < maxCASAttempts {
				log.WithField("attempt", attempt).Debug("Concurrent update, re-reading order")
				continue
			}
			log.Warn("Giving up after repeated concurrent updates")
			metrics.RecordDrop(metrics.DropStale)
			return order, false, nil
		}
		if err != nil {
			return order, false, fmt.Errorf("update order %s: %w", orderID, err)
		}

		metrics.RecordTransition(string(order.Status), string(next.Status))
		log.WithFields(map[string]interface{}{
			"from": order.Status,
			"to":   next.Status,
		}).Info("Order transitioned")
		return next, true, nil
	}
}

// notify publishes a status notification. The order record is the source of
// truth, so a publish failure is logged and not returned.
func (m *Manager) notify(ctx context.Context, log *logger.Logger, n contracts.StatusNotification) {
	if err := m.pub.Publish(ctx, contracts.RouteOrderStatus, contracts.TypeStatusNotification, n.CorrelationID, n); err != nil {
		log.WithError(err).WithField("status", n.Status).Error("Failed to publish status notification")
	}
}

func orderNotification(o contracts.Order, msg string) contracts.StatusNotification {
	return notification(o.OrderID, o.CorrelationID, o.UserID, o.Status, msg, o.UpdatedAt)
}

func notification(orderID, correlationID, userID string, status contracts.Status, msg string, at time.Time) contracts.StatusNotification {
	return contracts.StatusNotification{
		CorrelationID: correlationID,
		OrderID:       orderID,
		UserID:        userID,
		Status:        status,
		Message:       msg,
		Timestamp:     at,
	}
}

type reasoner interface {
	error
	UserReason() string
}

func reasonOf(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return r.UserReason()
	}
	return err.Error()
}
