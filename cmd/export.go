package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/llm-factory/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Flatten an output store into a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyTaskFlags(cmd, cfg)

		dest, _ := cmd.Flags().GetString("dest")
		formatName, _ := cmd.Flags().GetString("format")
		format, err := export.ParseFormat(formatName, dest)
		if err != nil {
			return err
		}

		t, sink, err := openTaskSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close() //nolint:errcheck

		n, err := export.ToFile(ctx, sink, t.KeyField(), format, dest, t.Name())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d rows to %s\n", n, dest)
		return nil
	},
}

func init() {
	addTaskFlags(exportCmd)
	exportCmd.Flags().String("dest", "", "destination file (required)")
	exportCmd.Flags().String("format", "", "csv or xlsx (default from --dest extension)")
	_ = exportCmd.MarkFlagRequired("dest")
	rootCmd.AddCommand(exportCmd)
}
