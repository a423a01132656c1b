package commands

import (
	"github.com/spf13/cobra"
)

// standaloneCmd represents the standalone command
var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run the order service and the exchange in one process",
	Long: `Runs the order service and the exchange simulator in one process on
the configured bus. With the defaults (memory bus, memory store) no
external service is needed.

Example:
  go run ./cmd/m7sim standalone
  STORE_DRIVER=postgres DATABASE_URL=... go run ./cmd/m7sim standalone`,
	RunE: runStandalone,
}

func init() {
	rootCmd.AddCommand(standaloneCmd)
	standaloneCmd.Flags().StringVar(&apiPort, "port", "", "HTTP port (overrides PORT)")
}

func runStandalone(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(true)
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

	err = serveOrderService(ctx, rt)
	logRegionStats(rt, sim)
	return err
}
