package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/ledger"
	"github.com/vietddude/outagewatch/internal/infra/storage"
	"github.com/vietddude/outagewatch/internal/infra/storage/sqldb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connections, claims and credit totals from the database",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Database.Enabled() {
		slog.Error("No database configured; status reads persisted state only")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := sqldb.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	store := sqldb.NewStore(db)
	defer func() {
		_ = store.Close()
	}()

	if err := writeStatus(ctx, os.Stdout, store, cfg.User.ID); err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}
}

func writeStatus(ctx context.Context, out io.Writer, store storage.Store, userID string) error {
	conns, err := store.Connections().List(ctx, userID)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	claims, err := store.Claims().List(ctx, userID, domain.ClaimFilter{})
	if err != nil {
		return fmt.Errorf("list claims: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CONNECTION\tPROVIDER\tZIP\tMONITORING\tCLAIMS\tCLAIMED")
	for _, c := range conns {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n", c.ID, c.ProviderName, c.ZipCode, c.IsMonitoring, c.ClaimsCount, c.TotalClaimed)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CLAIM\tPROVIDER\tSTATUS\tESTIMATE\tACTUAL\tUPDATED")
	for _, c := range claims {
		actual := "-"
		if c.ActualCredit != nil {
			actual = c.ActualCredit.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.ProviderName, c.Status, c.EstimatedCredit, actual, c.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()

	s := ledger.Summarize(claims, time.Now())
	_, _ = fmt.Fprintf(out, "\nRecovered: $%s (%d approved)   Pending: $%s (%d open)\n",
		s.TotalRecovered, s.ApprovedClaimsCount, s.TotalPending, s.PendingClaimsCount)
	return nil
}
