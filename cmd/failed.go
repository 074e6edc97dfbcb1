package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
	"github.com/sells-group/llm-factory/internal/store"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List records whose work units failed",
	Long: `Lists the failed work units recorded inline in an output store. With
--keys only the keys of records whose every failure is retryable are printed,
one per line, ready to build a retry input.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyTaskFlags(cmd, cfg)

		t, sink, err := openTaskSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close() //nolint:errcheck

		ledger, err := loadLedger(ctx, sink, t.KeyField())
		if err != nil {
			return err
		}

		if keysOnly, _ := cmd.Flags().GetBool("keys"); keysOnly {
			for _, k := range ledger.RetryableKeys() {
				fmt.Fprintln(os.Stdout, k)
			}
			return nil
		}

		if ledger.Len() == 0 {
			fmt.Fprintln(os.Stderr, "No failed units found.")
			return nil
		}
		formatFailed(os.Stdout, ledger.Entries)
		return nil
	},
}

func loadLedger(ctx context.Context, sink store.Sink, keyField string) (*resilience.Ledger, error) {
	ledger := resilience.NewLedger()
	err := sink.Scan(ctx, func(r model.Row) error {
		ledger.AddRow(r, keyField)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed: scan")
	}
	return ledger, nil
}

func formatFailed(out io.Writer, entries []resilience.LedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUNIT\tKIND\tATTEMPTS\tRETRYABLE\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
			e.Key, e.Unit, e.Kind, e.Attempts, e.Retryable, truncate(oneLine(e.Message), 80))
	}
	w.Flush() //nolint:errcheck
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	addTaskFlags(failedCmd)
	failedCmd.Flags().Bool("keys", false, "print only keys of records whose failures are all retryable")
	rootCmd.AddCommand(failedCmd)
}
