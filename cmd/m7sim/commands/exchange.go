package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/m7sim/internal/exchange"
)

// exchangeCmd represents the exchange command
var exchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Start the simulated exchange",
	Long: `Starts the exchange simulator worker. It consumes order requests,
acknowledges each one immediately and publishes a fill or reject after a
random delay.

Simulator behavior (fill probability, delay window, price variation,
reject reasons) comes from the trading policy file.

Example:
  BUS_DRIVER=redis REDIS_ENABLED=true go run ./cmd/m7sim exchange
  go run ./cmd/m7sim exchange --policy ./policy.yaml`,
	RunE: runExchange,
}

func init() {
	rootCmd.AddCommand(exchangeCmd)
}

func runExchange(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	sim, err := rt.simulator()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := rt.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	rt.log.WithFields(map[string]interface{}{
		"fill_probability": rt.policy.Simulator.FillProbability,
		"min_delay_ms":     rt.policy.Simulator.MinDelayMs,
		"max_delay_ms":     rt.policy.Simulator.MaxDelayMs,
	}).Info("Exchange simulator started")

	<-ctx.Done()
	logRegionStats(rt, sim)
	return nil
}

// logRegionStats writes the per-region outcome counters at shutdown
func logRegionStats(rt *runtime, sim *exchange.Simulator) {
	for _, st := range sim.Stats() {
		fields := map[string]interface{}{
			"region":  string(st.Region),
			"fills":   st.Fills,
			"rejects": st.Rejects,
		}
		if st.LastPrice != nil {
			fields["last_price"] = st.LastPrice.String()
		}
		rt.log.WithFields(fields).Info("Exchange region stats")
	}
}
