package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/m7sim/internal/store"
	"github.com/wonny/m7sim/pkg/config"
	"github.com/wonny/m7sim/pkg/database"
	"github.com/wonny/m7sim/pkg/logger"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the orders schema to PostgreSQL",
	Long: `Applies the embedded orders schema to DATABASE_URL in one transaction.
The schema is idempotent and safe to run on every deploy.

Example:
  DATABASE_URL=postgres://... go run ./cmd/m7sim migrate
  go run ./cmd/m7sim migrate --print`,
	RunE: runMigrate,
}

var migratePrint bool

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "print the schema instead of applying it")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migratePrint {
		fmt.Print(store.Schema)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	log := logger.New(cfg)

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := db.ApplySchema(ctx, store.Schema); err != nil {
		return err
	}

	log.Info("Orders schema applied")
	fmt.Println("✅ Orders schema applied")
	return nil
}
