package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the durable record of one client order.
// ⭐ SSOT: the order value is only changed through lifecycle transitions
// that return a new Order; stored copies are never mutated in place.
type Order struct {
	OrderID       string          `json:"orderId"`
	CorrelationID string          `json:"correlationId"`
	UserID        string          `json:"userId"`
	Region        Region          `json:"region"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        Status          `json:"status"`

	ExchangeReferenceID string           `json:"exchangeReferenceId,omitempty"` // set on ACK
	ExecutionPrice      *decimal.Decimal `json:"executionPrice,omitempty"`      // set on FILL
	RejectReason        string           `json:"rejectReason,omitempty"`        // set on REJECT, may stay empty

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Region is a trading region of the venue
type Region string

const (
	RegionNorth Region = "NORTH"
	RegionSouth Region = "SOUTH"
	RegionEast  Region = "EAST"
	RegionWest  Region = "WEST"
)

// NumRegions is the size of the closed Region enumeration
const NumRegions = 4

var regions = [NumRegions]Region{RegionNorth, RegionSouth, RegionEast, RegionWest}

// Regions returns every region in declaration order
func Regions() [NumRegions]Region {
	return regions
}

// Index returns the position of r in Regions(), or false for unknown values
func (r Region) Index() (int, bool) {
	for i, known := range regions {
		if known == r {
			return i, true
		}
	}
	return -1, false
}

// Valid reports whether r is one of the enumerated regions
func (r Region) Valid() bool {
	_, ok := r.Index()
	return ok
}

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status represents order status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCanceled  Status = "CANCELED"
)

// IsTerminal reports whether no further transition is valid
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// IsFilled checks if the order is filled
func (o Order) IsFilled() bool {
	return o.Status == StatusFilled
}

// CheckInvariants verifies that the optional fields match the status
func (o Order) CheckInvariants() error {
	if strings.TrimSpace(o.OrderID) == "" {
		return fmt.Errorf("order id is blank")
	}
	if strings.TrimSpace(o.CorrelationID) == "" {
		return fmt.Errorf("order %s: correlation id is blank", o.OrderID)
	}
	if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
		return fmt.Errorf("order %s: quantity and price must be positive", o.OrderID)
	}

	hasRef := o.ExchangeReferenceID != ""
	hasExec := o.ExecutionPrice != nil
	hasReason := o.RejectReason != ""

	var ok bool
	switch o.Status {
	case StatusPending, StatusCanceled:
		ok = !hasRef && !hasExec && !hasReason
	case StatusSubmitted:
		ok = hasRef && !hasExec && !hasReason
	case StatusFilled:
		ok = hasRef && hasExec && !hasReason
	case StatusRejected:
		ok = hasRef && !hasExec
	default:
		return fmt.Errorf("order %s: unknown status %q", o.OrderID, o.Status)
	}
	if !ok {
		return fmt.Errorf("order %s: fields inconsistent with status %s (ref=%t exec=%t reason=%t)",
			o.OrderID, o.Status, hasRef, hasExec, hasReason)
	}
	return nil
}
