package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
	"github.com/sells-group/llm-factory/internal/store"
)

// statusReport summarizes an output store, optionally against an input.
type statusReport struct {
	Task        string
	Store       string
	Records     int
	Failed      int
	FailedUnits int
	ByKind      map[model.FailureKind]int
	// Input counts are set only when an input dataset was given.
	Input   int
	Pending int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processed and failed record counts of an output store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyTaskFlags(cmd, cfg)

		t, sink, err := openTaskSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close() //nolint:errcheck

		input, _ := cmd.Flags().GetString("input")
		rep, err := buildStatus(ctx, sink, t.Name(), t.KeyField(), input)
		if err != nil {
			return err
		}
		rep.Store = cfg.Store.Driver + ":" + cfg.Store.Path

		formatStatus(os.Stdout, rep)
		return nil
	},
}

func buildStatus(ctx context.Context, sink store.Sink, taskName, keyField, input string) (*statusReport, error) {
	ledger := resilience.NewLedger()
	rep := &statusReport{Task: taskName}
	err := sink.Scan(ctx, func(r model.Row) error {
		rep.Records++
		ledger.AddRow(r, keyField)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "status: scan")
	}
	rep.Failed = ledger.Records()
	rep.FailedUnits = ledger.Len()
	rep.ByKind = ledger.CountsByKind()

	if input == "" {
		return rep, nil
	}
	records, err := store.LoadRecords(input, keyField, 0)
	if err != nil {
		return nil, eris.Wrap(err, "status: load input")
	}
	done, err := sink.ProcessedKeys(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "status: processed keys")
	}
	rep.Input = len(records)
	for _, r := range records {
		if !done.Has(r.Key) {
			rep.Pending++
		}
	}
	return rep, nil
}

func formatStatus(out io.Writer, rep *statusReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TASK\t%s\n", rep.Task)
	if rep.Store != "" {
		fmt.Fprintf(w, "STORE\t%s\n", rep.Store)
	}
	fmt.Fprintf(w, "RECORDS\t%d\n", rep.Records)
	fmt.Fprintf(w, "FAILED RECORDS\t%d\n", rep.Failed)
	fmt.Fprintf(w, "FAILED UNITS\t%d\n", rep.FailedUnits)
	if rep.Input > 0 {
		fmt.Fprintf(w, "INPUT\t%d\n", rep.Input)
		fmt.Fprintf(w, "PENDING\t%d\n", rep.Pending)
	}

	kinds := make([]string, 0, len(rep.ByKind))
	for k := range rep.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s\t%d\n", k, rep.ByKind[model.FailureKind(k)])
	}
	w.Flush() //nolint:errcheck
}

func init() {
	addTaskFlags(statusCmd)
	statusCmd.Flags().String("input", "", "input dataset to count pending records against")
	rootCmd.AddCommand(statusCmd)
}
