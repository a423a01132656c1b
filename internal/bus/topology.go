package bus

import "github.com/wonny/m7sim/internal/contracts"

// Queues
const (
	QueueExchangeOrders    = "exchange.orders"
	QueueExchangeResponses = "orders.exchange-responses"
	QueueNotifierStatus    = "notifier.status"
)

// Bindings maps each queue to the routing keys it consumes
var Bindings = map[string][]string{
	QueueExchangeOrders:    {contracts.RouteOrderRequest},
	QueueExchangeResponses: {contracts.RouteAcknowledgment, contracts.RouteExecution},
	QueueNotifierStatus:    {contracts.RouteOrderStatus},
}
