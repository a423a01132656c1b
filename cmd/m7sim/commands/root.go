package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	policyFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "m7sim",
	Short: "M7 order pipeline with a simulated exchange",
	Long: `m7sim runs the order lifecycle service, the simulated exchange and
the status notifier, connected by a message bus.

Configuration is read from the environment (and .env).

Usage:
  go run ./cmd/m7sim [command]

Examples:
  go run ./cmd/m7sim standalone
  go run ./cmd/m7sim api
  go run ./cmd/m7sim exchange
  go run ./cmd/m7sim submit --user alice --region NORTH --side BUY --quantity 10 --price 45.50
  go run ./cmd/m7sim migrate`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "trading policy YAML (overrides TRADING_POLICY_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
}
