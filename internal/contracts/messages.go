package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType names the payload carried by a bus envelope
type MessageType string

const (
	TypeOrderRequest       MessageType = "OrderRequest"
	TypeAcknowledgment     MessageType = "Acknowledgment"
	TypeExecutionResult    MessageType = "ExecutionResult"
	TypeStatusNotification MessageType = "StatusNotification"
)

// Routing keys of the wire protocol
const (
	RouteOrderRequest   = "order.request"
	RouteAcknowledgment = "exchange.ack"
	RouteExecution      = "exchange.execution"
	RouteOrderStatus    = "order.status"
)

// ErrBlankIdentifier is returned by message constructors
var ErrBlankIdentifier = errors.New("identifier must not be blank")

// OrderSubmission is what a client sends. The correlation id is assigned
// by the order service.
type OrderSubmission struct {
	OrderID  string          `json:"orderId"`
	UserID   string          `json:"userId"`
	Region   Region          `json:"region"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// OrderRequest asks the exchange to execute an order
type OrderRequest struct {
	CorrelationID string          `json:"correlationId"`
	OrderID       string          `json:"orderId"`
	Region        Region          `json:"region"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// NewOrderRequest builds a request for a persisted order
func NewOrderRequest(o Order) (OrderRequest, error) {
	if err := requireIDs(o.CorrelationID, o.OrderID); err != nil {
		return OrderRequest{}, fmt.Errorf("order request: %w", err)
	}
	return OrderRequest{
		CorrelationID: o.CorrelationID,
		OrderID:       o.OrderID,
		Region:        o.Region,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         o.Price,
	}, nil
}

// Validate checks a decoded request
func (r OrderRequest) Validate() error {
	return requireIDs(r.CorrelationID, r.OrderID)
}

// Acknowledgment is the exchange's synchronous receipt of an order
type Acknowledgment struct {
	CorrelationID       string    `json:"correlationId"`
	OrderID             string    `json:"orderId"`
	ExchangeReferenceID string    `json:"exchangeReferenceId"`
	Timestamp           time.Time `json:"timestamp"`
}

// Validate checks a decoded acknowledgment. A blank exchange reference is
// left to the state machine so it is reported as a refused transition.
func (a Acknowledgment) Validate() error {
	return requireIDs(a.CorrelationID, a.OrderID)
}

// ExecutionResult reports a fill or a rejection.
// Exactly one of ExecutionPrice / RejectReason is meaningful, chosen by Filled.
type ExecutionResult struct {
	CorrelationID  string           `json:"correlationId"`
	OrderID        string           `json:"orderId"`
	Filled         bool             `json:"filled"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
	RejectReason   string           `json:"rejectReason,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// NewFilledResult builds a fill
func NewFilledResult(correlationID, orderID string, price decimal.Decimal, ts time.Time) ExecutionResult {
	return ExecutionResult{
		CorrelationID:  correlationID,
		OrderID:        orderID,
		Filled:         true,
		ExecutionPrice: &price,
		Timestamp:      ts,
	}
}

// NewRejectedResult builds a rejection; reason may be empty
func NewRejectedResult(correlationID, orderID, reason string, ts time.Time) ExecutionResult {
	return ExecutionResult{
		CorrelationID: correlationID,
		OrderID:       orderID,
		Filled:        false,
		RejectReason:  reason,
		Timestamp:     ts,
	}
}

// Validate checks identifiers and the filled/rejected field exclusivity
func (r ExecutionResult) Validate() error {
	if err := requireIDs(r.CorrelationID, r.OrderID); err != nil {
		return err
	}
	if r.Filled && r.RejectReason != "" {
		return fmt.Errorf("filled result carries a reject reason")
	}
	if !r.Filled && r.ExecutionPrice != nil {
		return fmt.Errorf("rejected result carries an execution price")
	}
	return nil
}

// StatusNotification tells a user that their order changed status
type StatusNotification struct {
	CorrelationID string    `json:"correlationId"`
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	Status        Status    `json:"status"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

func requireIDs(correlationID, orderID string) error {
	if strings.TrimSpace(correlationID) == "" {
		return fmt.Errorf("correlation id: %w", ErrBlankIdentifier)
	}
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("order id: %w", ErrBlankIdentifier)
	}
	return nil
}
