package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/wonny/m7sim/internal/contracts"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/httputil"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/redis"
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit orders to a running order service",
	Long: `Posts one or more order submissions to the order service and
optionally waits until each order reaches a terminal status.

Example:
  go run ./cmd/m7sim submit --user alice --region NORTH --side BUY --quantity 10 --price 45.50
  go run ./cmd/m7sim submit --user alice --count 50 --rate 10 --watch`,
	RunE: runSubmit,
}

var (
	submitURL      string
	submitUser     string
	submitRegion   string
	submitSide     string
	submitQuantity string
	submitPrice    string
	submitCount    int
	submitRate     int
	submitWatch    bool
	submitTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitURL, "url", "http://localhost:8080", "order service base URL")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id (required)")
	submitCmd.Flags().StringVar(&submitRegion, "region", "NORTH", "NORTH, SOUTH, EAST or WEST")
	submitCmd.Flags().StringVar(&submitSide, "side", "BUY", "BUY or SELL")
	submitCmd.Flags().StringVar(&submitQuantity, "quantity", "10", "order quantity")
	submitCmd.Flags().StringVar(&submitPrice, "price", "45.50", "limit price")
	submitCmd.Flags().IntVar(&submitCount, "count", 1, "number of orders to submit")
	submitCmd.Flags().IntVar(&submitRate, "rate", 5, "submissions per second")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "poll each order until it is terminal")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 30*time.Second, "watch timeout per order")
	_ = submitCmd.MarkFlagRequired("user")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	quantity, err := decimal.NewFromString(submitQuantity)
	if err != nil {
		return fmt.Errorf("invalid --quantity: %w", err)
	}
	price, err := decimal.NewFromString(submitPrice)
	if err != nil {
		return fmt.Errorf("invalid --price: %w", err)
	}

	log := logger.New(&config.Config{LogLevel: "warn", LogFormat: "console"})
	base := strings.TrimRight(submitURL, "/")

	// Client side pacing only needs the in-process limiter
	rdb, _ := redis.New(&config.Config{})
	client := httputil.New(log).
		DisableRetry().
		WithRateLimiter(redis.NewRateLimiter(rdb, "submit"), redis.RateLimitConfig{
			Key:    "client",
			Limit:  max(submitRate, 1),
			Window: time.Second,
		})

	ctx, stop := signalContext()
	defer stop()

	failed := 0
	for i := 0; i < submitCount; i++ {
		sub := contracts.OrderSubmission{
			OrderID:  "ORD-" + uuid.NewString(),
			UserID:   submitUser,
			Region:   contracts.Region(strings.ToUpper(submitRegion)),
			Side:     contracts.Side(strings.ToUpper(submitSide)),
			Quantity: quantity,
			Price:    price,
		}

		resp, err := client.PostJSON(ctx, base+"/api/orders", sub, map[string]string{"X-User-ID": submitUser})
		if err != nil {
			return fmt.Errorf("submit %s: %w", sub.OrderID, err)
		}

		var order contracts.Order
		if err := httputil.DecodeJSON(resp, &order); err != nil {
			failed++
			var se *httputil.StatusError
			if errors.As(err, &se) {
				fmt.Printf("❌ %s  HTTP %d  %s\n", sub.OrderID, se.StatusCode, se.Body)
				continue
			}
			return err
		}
		fmt.Printf("✅ %s  %s  correlation=%s\n", order.OrderID, order.Status, order.CorrelationID)

		if submitWatch {
			final, err := watchOrder(ctx, log, base, order.OrderID)
			if err != nil {
				fmt.Printf("   ⏳ %s: %v\n", order.OrderID, err)
				continue
			}
			fmt.Printf("   → %s\n", describe(final))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, submitCount)
	}
	return nil
}

// watchOrder polls until the order is terminal or the timeout passes
func watchOrder(ctx context.Context, log *logger.Logger, base, orderID string) (contracts.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	client := httputil.NewWithTimeout(log, 5*time.Second).WithRetry(3, 200*time.Millisecond)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var order contracts.Order
		if err := client.GetJSON(ctx, base+"/api/orders/"+orderID, &order); err != nil {
			return contracts.Order{}, err
		}
		if order.Status.IsTerminal() {
			return order, nil
		}

		select {
		case <-ctx.Done():
			return order, fmt.Errorf("still %s: %w", order.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func describe(o contracts.Order) string {
	switch o.Status {
	case contracts.StatusFilled:
		return fmt.Sprintf("FILLED at %s (ref %s)", o.ExecutionPrice.StringFixed(2), o.ExchangeReferenceID)
	case contracts.StatusRejected:
		return fmt.Sprintf("REJECTED: %s", o.RejectReason)
	default:
		return string(o.Status)
	}
}
