package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reviewradar/internal/labeling/orchestrator"
)

var runBatchIDs []int64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Label the pending reviews of one or more batches and exit",
	Run:   runBatches,
}

func init() {
	runCmd.Flags().Int64SliceVar(&runBatchIDs, "batch", nil, "batch ID to label (repeatable)")
	_ = runCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(runCmd)
}

func runBatches(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := signalContext()
	defer cancel()

	app := newLabeler(ctx, cfg)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			slog.Error("Error during shutdown", "error", err)
		}
	}()

	sums, err := app.RunBatches(ctx, runBatchIDs)
	printSummaries(os.Stdout, sums)

	usage := app.Usage()
	fmt.Printf("\nspent today: $%.6f of $%.2f (%.1f%%)\n", usage.SpentToday, usage.DailyBudget, usage.UsagePercentage)
	if err != nil {
		slog.Error("Some batches failed", "error", err)
	}
}

func printSummaries(out *os.File, sums []*orchestrator.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BATCH\tPAGES\tLABELED\tHUMAN\tDEFERRED\tFAILED\tREQUESTS\tTOKENS IN\tTOKENS OUT\tCOST\tSPENT\tSTOP")
	for _, s := range sums {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.6f\t%.6f\t%s\n",
			s.BatchID, len(s.Pages), s.SuccessCount, s.HumanQueueCount,
			s.DeferredCount, s.FailedCount, s.TotalRequests, s.TotalInputTokens, s.TotalOutputTokens,
			s.TotalCost, s.SpentCost, s.StopReason)
	}
	_ = w.Flush()
}
