package lifecycle

import (
	"context"

	"github.com/wonny/m7sim/internal/bus"
	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/metrics"
)

// HandleExchangeResponse is the bus handler for the exchange response
// queue. It dispatches on the envelope type.
func (m *Manager) HandleExchangeResponse(ctx context.Context, env bus.Envelope) error {
	switch env.Type {
	case contracts.TypeAcknowledgment:
		var ack contracts.Acknowledgment
		if err := env.Decode(&ack); err != nil {
			return m.dropUndecodable(env, err)
		}
		return m.OnAcknowledgment(ctx, ack)

	case contracts.TypeExecutionResult:
		var result contracts.ExecutionResult
		if err := env.Decode(&result); err != nil {
			return m.dropUndecodable(env, err)
		}
		return m.OnExecutionResult(ctx, result)

	default:
		m.log.WithFields(map[string]interface{}{
			"envelope_id":    env.ID,
			"msg_type":       env.Type,
			"correlation_id": env.CorrelationID,
		}).Error("Unexpected message type on exchange response queue")
		metrics.RecordDrop(metrics.DropMalformed)
		return nil
	}
}

func (m *Manager) dropUndecodable(env bus.Envelope, err error) error {
	m.log.WithError(err).WithFields(map[string]interface{}{
		"envelope_id":    env.ID,
		"correlation_id": env.CorrelationID,
	}).Error("Dropping undecodable exchange message")
	metrics.RecordDrop(metrics.DropMalformed)
	return nil
}
