package tradingpolicy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the trading policy: submission bounds and simulator behavior.
// ⭐ SSOT: these constants live in the policy file, not in code paths
type Config struct {
	Validation ValidationPolicy `yaml:"validation" json:"validation"`
	Simulator  SimulatorPolicy  `yaml:"simulator" json:"simulator"`
}

// ValidationPolicy bounds accepted submissions (inclusive)
type ValidationPolicy struct {
	MinQuantity decimal.Decimal `yaml:"min_quantity" json:"min_quantity"`
	MaxQuantity decimal.Decimal `yaml:"max_quantity" json:"max_quantity"`
	MinPrice    decimal.Decimal `yaml:"min_price" json:"min_price"`
	MaxPrice    decimal.Decimal `yaml:"max_price" json:"max_price"`
	MaxScale    int32           `yaml:"max_scale" json:"max_scale"` // decimal places accepted for quantity and price
}

// SimulatorPolicy drives the simulated exchange
type SimulatorPolicy struct {
	FillProbability      float64         `yaml:"fill_probability" json:"fill_probability"`
	MinDelayMs           int             `yaml:"min_delay_ms" json:"min_delay_ms"`
	MaxDelayMs           int             `yaml:"max_delay_ms" json:"max_delay_ms"`
	MaxPriceVariationBps int             `yaml:"max_price_variation_bps" json:"max_price_variation_bps"` // 200 = ±2%
	TickSize             decimal.Decimal `yaml:"tick_size" json:"tick_size"`
	RejectReasons        []string        `yaml:"reject_reasons" json:"reject_reasons"`
	ResultRetries        int             `yaml:"result_retries" json:"result_retries"`     // re-publishes of a failed execution result
	RetryBackoffMs       int             `yaml:"retry_backoff_ms" json:"retry_backoff_ms"` // first retry delay, doubled per attempt
}

// MinDelay returns the lower delay bound
func (s SimulatorPolicy) MinDelay() time.Duration {
	return time.Duration(s.MinDelayMs) * time.Millisecond
}

// MaxDelay returns the upper delay bound
func (s SimulatorPolicy) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelayMs) * time.Millisecond
}

// RetryBackoff returns the delay before retry n (1-based)
func (s SimulatorPolicy) RetryBackoff(n int) time.Duration {
	d := time.Duration(s.RetryBackoffMs) * time.Millisecond
	for i := 1; i < n && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

const maxRetryBackoff = 10 * time.Second

// Default returns the built-in policy
func Default() *Config {
	return &Config{
		Validation: ValidationPolicy{
			MinQuantity: decimal.RequireFromString("0.1"),
			MaxQuantity: decimal.RequireFromString("1000"),
			MinPrice:    decimal.RequireFromString("0.01"),
			MaxPrice:    decimal.RequireFromString("500"),
			MaxScale:    6,
		},
		Simulator: SimulatorPolicy{
			FillProbability:      0.90,
			MinDelayMs:           500,
			MaxDelayMs:           2000,
			MaxPriceVariationBps: 200,
			TickSize:             decimal.RequireFromString("0.01"),
			RejectReasons: []string{
				"Insufficient liquidity",
				"Price outside daily limit",
				"Market temporarily halted",
				"Counterparty credit limit exceeded",
			},
			ResultRetries:  5,
			RetryBackoffMs: 250,
		},
	}
}
