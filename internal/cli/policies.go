package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the credit policy catalog and which provider uses which policy",
	Run:   runPolicies,
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}

func runPolicies(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	catalog, err := policy.LoadFile(cfg.Policies.Path)
	if err != nil {
		slog.Error("Failed to load policies", "error", err)
		os.Exit(1)
	}
	providers, err := directory.NewStatic(cfg.Providers)
	if err != nil {
		slog.Error("Invalid provider directory", "error", err)
		os.Exit(1)
	}

	writePolicies(os.Stdout, catalog, providers.List())
}

func writePolicies(out io.Writer, catalog *policy.Catalog, providers []directory.Provider) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "POLICY\tKIND\tTHRESHOLD\tRATE\tMAX")
	for _, p := range catalog.Policies() {
		maxCredit := "-"
		if !p.MaxCredit.IsZero() {
			maxCredit = p.MaxCredit.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.SLAThreshold, p.Rate, maxCredit)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out)

	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROVIDER\tCATEGORY\tPOLICY")
	for _, p := range providers {
		name := "(none)"
		if cp, err := catalog.Resolve(policy.Ref{ProviderID: p.ID, Category: p.Category, Policy: p.Policy}); err == nil {
			name = cp.Name()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Category, name)
	}
	_ = w.Flush()
}
