package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/llm-factory/internal/task"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List available tasks and value taxonomies",
	RunE: func(_ *cobra.Command, _ []string) error {
		return formatTasks(os.Stdout)
	},
}

func formatTasks(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tFIELDS")
	for _, name := range task.Names() {
		t, err := task.Lookup(name, task.Options{})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(t.Spec().Names(), ", "))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "TAXONOMY\tTITLE\tDIMENSIONS")
	for _, name := range task.TaxonomyNames() {
		tax, err := task.LookupTaxonomy(name)
		if err != nil {
			return err
		}
		dims := make([]string, len(tax.Dimensions))
		for i, d := range tax.Dimensions {
			dims[i] = d.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, tax.Title, strings.Join(dims, ", "))
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
