package cli

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

var statusBatchID int64

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show label status counts for a batch",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().Int64Var(&statusBatchID, "batch", 0, "batch ID")
	_ = statusCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := cmd.Context()

	app := newLabeler(ctx, cfg)
	defer func() {
		_ = app.Stop(ctx)
	}()

	counts, rate, err := app.Progress(ctx, statusBatchID)
	if err != nil {
		slog.Error("Failed to read batch progress", "batch_id", statusBatchID, "error", err)
		os.Exit(1)
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tREVIEWS")
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[domain.LabelStatus(s)])
	}
	_, _ = fmt.Fprintf(w, "completion\t%.1f%%\n", rate*100)
	_ = w.Flush()
}
