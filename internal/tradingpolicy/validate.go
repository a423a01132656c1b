package tradingpolicy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError names the offending field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks all required constraints
func Validate(cfg *Config) error {
	// === Validation bounds ===
	v := cfg.Validation
	if !v.MinQuantity.IsPositive() {
		return ValidationError{"validation.min_quantity", "must be > 0"}
	}
	if v.MinQuantity.GreaterThan(v.MaxQuantity) {
		return ValidationError{"validation.max_quantity", "must be >= min_quantity"}
	}
	if !v.MinPrice.IsPositive() {
		return ValidationError{"validation.min_price", "must be > 0"}
	}
	if v.MinPrice.GreaterThan(v.MaxPrice) {
		return ValidationError{"validation.max_price", "must be >= min_price"}
	}
	if v.MaxScale < 0 {
		return ValidationError{"validation.max_scale", "must be >= 0"}
	}
	if exceedsScale(v.MinQuantity, v.MaxScale) {
		return ValidationError{"validation.min_quantity", "has more decimal places than max_scale"}
	}
	if exceedsScale(v.MinPrice, v.MaxScale) {
		return ValidationError{"validation.min_price", "has more decimal places than max_scale"}
	}

	// === Simulator ===
	s := cfg.Simulator
	if s.FillProbability <= 0 || s.FillProbability > 1 {
		return ValidationError{"simulator.fill_probability", "must be in (0, 1]"}
	}
	if s.MinDelayMs < 0 {
		return ValidationError{"simulator.min_delay_ms", "must be >= 0"}
	}
	if s.MinDelayMs > s.MaxDelayMs {
		return ValidationError{"simulator.max_delay_ms", "must be >= min_delay_ms"}
	}
	if s.MaxPriceVariationBps < 0 || s.MaxPriceVariationBps >= 10000 {
		return ValidationError{"simulator.max_price_variation_bps", "must be in [0, 10000)"}
	}
	if !s.TickSize.IsPositive() {
		return ValidationError{"simulator.tick_size", "must be > 0"}
	}
	if len(s.RejectReasons) == 0 {
		return ValidationError{"simulator.reject_reasons", "at least one reason required"}
	}
	for i, r := range s.RejectReasons {
		if strings.TrimSpace(r) == "" {
			return ValidationError{fmt.Sprintf("simulator.reject_reasons[%d]", i), "must not be blank"}
		}
	}

	if s.ResultRetries < 0 {
		return ValidationError{"simulator.result_retries", "must be >= 0"}
	}
	if s.ResultRetries > 0 && s.RetryBackoffMs <= 0 {
		return ValidationError{"simulator.retry_backoff_ms", "must be > 0 when retries are enabled"}
	}

	return nil
}

func exceedsScale(d decimal.Decimal, scale int32) bool {
	return !d.Equal(d.Truncate(scale))
}
