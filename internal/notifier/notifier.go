// Package notifier fans status notifications out to the owning user's sessions.
package notifier

import (
	"context"
	"strings"

	"github.com/wonny/m7sim/internal/bus"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

// Notifier consumes order.status and pushes each notification to its user.
// Delivery is best-effort: the order record stays the source of truth.
type Notifier struct {
	delivery contracts.UserDelivery
	log      *logger.Logger
}

// New creates a notifier delivering through d
func New(d contracts.UserDelivery, log *logger.Logger) *Notifier {
	return &Notifier{
		delivery: d,
		log:      log.WithComponent("notifier"),
	}
}

// Handle is the bus handler for the notifier queue. It never requests
// redelivery.
func (n *Notifier) Handle(_ context.Context, env bus.Envelope) error {
	if env.Type != contracts.TypeStatusNotification {
		n.log.WithField("msg_type", string(env.Type)).Warn("unexpected message on notifier queue")
		metrics.RecordDrop(metrics.DropMalformed)
		return nil
	}

	var note contracts.StatusNotification
	if err := env.Decode(&note); err != nil {
		n.log.WithError(err).WithField("correlation_id", env.CorrelationID).Warn("undecodable status notification")
		metrics.RecordDrop(metrics.DropMalformed)
		return nil
	}

	n.Deliver(note)
	return nil
}

// Deliver sends one notification and reports whether any session received it
func (n *Notifier) Deliver(note contracts.StatusNotification) bool {
	log := n.log.WithOrder(note.OrderID, note.CorrelationID).WithFields(map[string]interface{}{
		"user_id": note.UserID,
		"status":  string(note.Status),
	})

	if strings.TrimSpace(note.UserID) == "" {
		log.Warn("status notification without user")
		metrics.RecordNotification(false)
		return false
	}

	if err := n.delivery.SendToUser(note.UserID, note); err != nil {
		log.WithError(err).Debug("status notification not delivered")
		metrics.RecordNotification(false)
		return false
	}

	log.Debug("status notification delivered")
	metrics.RecordNotification(true)
	return true
}
