// Package validation checks client submissions before they reach the
// order state machine.
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/tradingpolicy"
)

// Rejection is returned for a submission that must not enter the pipeline.
// Reason is user facing.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Field, r.Reason)
}

// UserReason is the text shown to the user
func (r *Rejection) UserReason() string {
	return r.Reason
}

// Validator is a pure check over a submission. Safe for concurrent use.
type Validator struct {
	minQty, maxQty     decimal.Decimal
	minPrice, maxPrice decimal.Decimal
	maxScale           int32
}

// New creates a validator from the policy bounds
func New(policy tradingpolicy.ValidationPolicy) *Validator {
	return &Validator{
		minQty:   policy.MinQuantity,
		maxQty:   policy.MaxQuantity,
		minPrice: policy.MinPrice,
		maxPrice: policy.MaxPrice,
		maxScale: policy.MaxScale,
	}
}

// Validate returns nil to accept, or a *Rejection
func (v *Validator) Validate(sub contracts.OrderSubmission) error {
	if strings.TrimSpace(sub.OrderID) == "" {
		return &Rejection{"orderId", "Order id is required"}
	}
	if strings.TrimSpace(sub.UserID) == "" {
		return &Rejection{"userId", "User id is required"}
	}
	if !sub.Region.Valid() {
		return &Rejection{"region", fmt.Sprintf("Unknown region %q", sub.Region)}
	}
	if !sub.Side.Valid() {
		return &Rejection{"side", fmt.Sprintf("Side must be BUY or SELL, got %q", sub.Side)}
	}
	if !sub.Quantity.IsPositive() {
		return &Rejection{"quantity", "Quantity must be positive"}
	}
	if sub.Quantity.LessThan(v.minQty) || sub.Quantity.GreaterThan(v.maxQty) {
		return &Rejection{"quantity", fmt.Sprintf("Quantity must be between %s and %s", v.minQty, v.maxQty)}
	}
	if v.tooPrecise(sub.Quantity) {
		return &Rejection{"quantity", fmt.Sprintf("Quantity allows at most %d decimal places", v.maxScale)}
	}
	if !sub.Price.IsPositive() {
		return &Rejection{"price", "Price must be positive"}
	}
	if sub.Price.LessThan(v.minPrice) || sub.Price.GreaterThan(v.maxPrice) {
		return &Rejection{"price", fmt.Sprintf("Price must be between %s and %s", v.minPrice, v.maxPrice)}
	}
	if v.tooPrecise(sub.Price) {
		return &Rejection{"price", fmt.Sprintf("Price allows at most %d decimal places", v.maxScale)}
	}
	return nil
}

// tooPrecise ignores trailing zeros: 45.5000000 has one decimal place
func (v *Validator) tooPrecise(d decimal.Decimal) bool {
	return !d.Equal(d.Truncate(v.maxScale))
}
