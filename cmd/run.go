package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/cost"
	"github.com/sells-group/llm-factory/internal/invoke"
	"github.com/sells-group/llm-factory/internal/pipeline"
	"github.com/sells-group/llm-factory/internal/store"
)

var runInput string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every record of the input not yet in the output store",
	Long: `Loads the input dataset, skips records already present in the output
store and processes the rest in parallel batches. Each finished batch is
appended atomically, so an interrupted run resumes where it stopped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunFlags(cmd, cfg)
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		t, err := buildTask(cfg)
		if err != nil {
			return err
		}
		if !dryRun {
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		records, err := store.LoadRecords(runInput, t.KeyField(), cfg.Pipeline.Limit)
		if err != nil {
			return eris.Wrap(err, "load input")
		}

		sink, err := store.Open(ctx, cfg.Store, t.Name(), t.KeyField())
		if err != nil {
			return eris.Wrap(err, "open output store")
		}
		defer sink.Close() //nolint:errcheck

		opts := pipeline.Options{
			BatchSize: cfg.Pipeline.BatchSize,
			Workers:   cfg.Pipeline.Workers,
		}

		if dryRun {
			plan, err := pipeline.New(t, nil, sink, opts).Plan(ctx, records)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, map[string]any{
				"task":    t.Name(),
				"total":   plan.Total,
				"skipped": plan.Skipped,
				"pending": plan.Pending(),
				"batches": len(plan.Batches),
			})
		}

		tracker := cost.NewTracker(cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing)))
		inv, err := invoke.NewFromConfig(cfg, tracker)
		if err != nil {
			return err
		}

		summary, err := pipeline.New(t, inv, sink, opts).Run(ctx, records)
		tracker.LogCost(t.Name())
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		if summary.Deferred > 0 {
			zap.L().Warn("remote service unavailable, rerun the same command to process deferred batches",
				zap.Int("deferred_batches", summary.Deferred),
			)
		}
		if summary.Canceled {
			zap.L().Warn("run interrupted, rerun the same command to resume",
				zap.Int("written_batches", summary.Written),
				zap.Int("discarded_batches", summary.Discarded),
			)
		}

		return writeJSON(os.Stdout, struct {
			*pipeline.Summary
			Cost cost.Summary `json:"cost"`
		}{summary, tracker.Summary()})
	},
}

// applyRunFlags copies explicitly set flags into c so they override config
// file and environment values.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	applyTaskFlags(cmd, c)

	f := cmd.Flags()
	if f.Changed("batch-size") {
		c.Pipeline.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("workers") {
		c.Pipeline.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("limit") {
		c.Pipeline.Limit, _ = f.GetInt("limit")
	}
	if v, _ := f.GetString("model"); v != "" {
		c.Invoke.Model = v
	}
	if v, _ := f.GetString("provider"); v != "" {
		c.Invoke.Provider = v
	}
	if f.Changed("keep-raw") {
		c.Task.KeepRaw, _ = f.GetBool("keep-raw")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	addTaskFlags(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runInput, "input", "", "input dataset: JSON array, JSON Lines, CSV or XLSX (required)")
	f.Int("batch-size", 0, "records per batch (default pipeline.batch_size)")
	f.Int("workers", 0, "concurrent batches (default pipeline.workers)")
	f.Int("limit", 0, "process at most this many input records (0 = all)")
	f.String("model", "", "model identifier (default invoke.model)")
	f.String("provider", "", "remote service: openai or anthropic (default invoke.provider)")
	f.Bool("keep-raw", false, "store each raw reply next to its extracted fields")
	f.Bool("dry-run", false, "report what would be processed without calling the model")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
