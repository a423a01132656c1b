package validation

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/internal/tradingpolicy"
)

func validSubmission() contracts.OrderSubmission {
	return contracts.OrderSubmission{
		OrderID:  "O1",
		UserID:   "u1",
		Region:   contracts.RegionNorth,
		Side:     contracts.SideBuy,
		Quantity: decimal.RequireFromString("100"),
		Price:    decimal.RequireFromString("45.50"),
	}
}

func TestValidate(t *testing.T) {
	v := New(tradingpolicy.Default().Validation)

	tests := []struct {
		name      string
		mutate    func(s *contracts.OrderSubmission)
		wantField string // empty means accepted
	}{
		{"valid", func(s *contracts.OrderSubmission) {}, ""},
		{"quantity at minimum", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("0.1") }, ""},
		{"quantity below minimum", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("0.09") }, "quantity"},
		{"quantity at maximum", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("1000") }, ""},
		{"quantity above maximum", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("1000.01") }, "quantity"},
		{"quantity zero", func(s *contracts.OrderSubmission) { s.Quantity = decimal.Zero }, "quantity"},
		{"quantity negative", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("-5") }, "quantity"},
		{"price at minimum", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("0.01") }, ""},
		{"price below minimum", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("0.009") }, "price"},
		{"price at maximum", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("500") }, ""},
		{"price above maximum", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("500.01") }, "price"},
		{"price zero", func(s *contracts.OrderSubmission) { s.Price = decimal.Zero }, "price"},
		{"quantity at max scale", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("0.123456") }, ""},
		{"quantity beyond max scale", func(s *contracts.OrderSubmission) { s.Quantity = decimal.RequireFromString("0.1234567") }, "quantity"},
		{"price at max scale", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("45.500001") }, ""},
		{"price beyond max scale", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("45.5000004") }, "price"},
		{"trailing zeros ignored", func(s *contracts.OrderSubmission) { s.Price = decimal.RequireFromString("45.500000000") }, ""},
		{"unknown region", func(s *contracts.OrderSubmission) { s.Region = "CENTRAL" }, "region"},
		{"unknown side", func(s *contracts.OrderSubmission) { s.Side = "HOLD" }, "side"},
		{"blank order id", func(s *contracts.OrderSubmission) { s.OrderID = "  " }, "orderId"},
		{"blank user id", func(s *contracts.OrderSubmission) { s.UserID = "" }, "userId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubmission()
			tt.mutate(&sub)

			err := v.Validate(sub)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var rej *Rejection
			require.True(t, errors.As(err, &rej), "got %v", err)
			assert.Equal(t, tt.wantField, rej.Field)
			assert.NotEmpty(t, rej.Reason)
		})
	}
}

func TestValidate_PolicyBounds(t *testing.T) {
	policy := tradingpolicy.Default().Validation
	policy.MaxQuantity = decimal.NewFromInt(10)
	v := New(policy)

	sub := validSubmission()
	sub.Quantity = decimal.NewFromInt(11)
	assert.Error(t, v.Validate(sub))

	sub.Quantity = decimal.NewFromInt(10)
	assert.NoError(t, v.Validate(sub))
}

func TestValidate_PolicyScale(t *testing.T) {
	policy := tradingpolicy.Default().Validation
	policy.MaxScale = 2
	v := New(policy)

	sub := validSubmission()
	sub.Price = decimal.RequireFromString("45.505")
	var rej *Rejection
	require.ErrorAs(t, v.Validate(sub), &rej)
	assert.Equal(t, "price", rej.Field)

	sub.Price = decimal.RequireFromString("45.51")
	assert.NoError(t, v.Validate(sub))
}

func TestValidate_Concurrent(t *testing.T) {
	v := New(tradingpolicy.Default().Validation)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Validate(validSubmission()))
		}()
	}
	wg.Wait()
}
