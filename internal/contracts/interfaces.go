package contracts

import "context"

// Publisher sends a typed payload under a routing key
// ⭐ SSOT: every component publishes through this interface
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msgType MessageType, correlationID string, payload any) error
}

// UserDelivery pushes a payload to the sessions of one user.
// Delivery is best-effort; the error only reports that nothing was sent.
type UserDelivery interface {
	SendToUser(userID string, payload any) error
}
