package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert a legacy output file into the configured output store",
	Long: `Reads a legacy output file made of JSON arrays written back to back and
appends its rows to the output store. Rows already present are skipped, so the
command can be rerun.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyTaskFlags(cmd, cfg)

		t, sink, err := openTaskSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close() //nolint:errcheck

		src, _ := cmd.Flags().GetString("input")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		stats, err := store.MigrateLegacy(ctx, src, sink, t.Name(), t.KeyField(), batchSize)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("migration complete",
			zap.String("source", src),
			zap.Int("rows", stats.Rows),
			zap.Int("batches", stats.Batches),
			zap.Int("skipped", stats.Skipped),
		)
		return writeJSON(os.Stdout, stats)
	},
}

func init() {
	addTaskFlags(migrateCmd)
	migrateCmd.Flags().String("input", "", "legacy output file (required)")
	migrateCmd.Flags().Int("batch-size", 100, "rows per appended batch")
	_ = migrateCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(migrateCmd)
}
