package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/outagewatch/internal/infra/storage/sqldb"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status"},
	Run:       runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)
	if !cfg.Database.Enabled() {
		slog.Error("No database configured")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := sqldb.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if action == "up" {
		if err := db.Migrate(ctx); err != nil {
			slog.Error("Migration failed", "error", err)
			os.Exit(1)
		}
	}

	version, err := db.MigrationVersion(ctx)
	if err != nil {
		slog.Error("Failed to read schema version", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Schema version: %d (driver %s)\n", version, db.Driver())
}
