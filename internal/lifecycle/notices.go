package lifecycle

import (
	"fmt"

	"github.com/wonny/m7sim/internal/contracts"
)

// User facing status messages

func receivedMessage() string {
	return "Order received"
}

func invalidMessage(reason string) string {
	return "Order rejected: " + reason
}

func duplicateMessage() string {
	return "Order rejected: order id already exists"
}

func submittedMessage(o contracts.Order) string {
	return fmt.Sprintf("Order submitted to exchange (ref %s)", o.ExchangeReferenceID)
}

func filledMessage(o contracts.Order) string {
	return fmt.Sprintf("Order filled at %s", o.ExecutionPrice.String())
}

func exchangeRejectedMessage(o contracts.Order) string {
	if o.RejectReason == "" {
		return "Order rejected by exchange"
	}
	return "Order rejected by exchange: " + o.RejectReason
}

func canceledMessage() string {
	return "Order canceled"
}
