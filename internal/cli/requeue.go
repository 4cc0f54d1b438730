package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [review_id...]",
	Short: "Reset reviews to unlabeled so the next run labels them again",
	Args:  cobra.MinimumNArgs(1),
	Run:   runRequeue,
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fmt.Printf("Invalid review ID %q: %v\n", a, err)
			os.Exit(1)
		}
		ids = append(ids, id)
	}

	cfg := loadConfig()
	ctx := cmd.Context()

	app := newLabeler(ctx, cfg)
	defer func() {
		_ = app.Stop(ctx)
	}()

	reviews, err := app.Reviews().GetByIDs(ctx, ids)
	if err != nil {
		slog.Error("Failed to load reviews", "error", err)
		os.Exit(1)
	}

	status := domain.LabelStatusUnlabeled
	updates := make([]storage.ReviewUpdate, 0, len(reviews))
	for _, r := range reviews {
		updates = append(updates, storage.ReviewUpdate{
			ReviewID: r.ID,
			Fields:   storage.ReviewFields{Status: &status},
		})
	}

	if len(updates) == 0 {
		fmt.Println("No matching reviews")
		return
	}

	applied, itemErrs, err := app.Reviews().BulkUpdate(ctx, updates)
	if err != nil {
		slog.Error("Failed to requeue reviews", "error", err)
		os.Exit(1)
	}
	for i, e := range itemErrs {
		if e != nil {
			slog.Warn("Review not requeued", "review_id", updates[i].ReviewID, "error", e)
		}
	}

	fmt.Printf("Requeued %d of %d reviews (%d not found)\n", applied, len(ids), len(ids)-len(reviews))
}
