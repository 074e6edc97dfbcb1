package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/extract"
	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/store"
	"github.com/sells-group/llm-factory/internal/task"
)

// addTaskFlags registers the flags that select a task and its output store.
func addTaskFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("task", "", "task to run: dilemma or valuemap (default task.name)")
	f.String("taxonomy", "", "value taxonomy for valuemap: mft or schwartz")
	f.String("rules", "", "YAML file of extraction rules replacing the task's built-ins")
	f.String("key-field", "", "natural key field of input and output records")
	f.String("output", "", "output store path (JSONL log or SQLite file)")
	f.String("store", "", "output store driver: jsonl, sqlite or postgres")
}

// applyTaskFlags copies explicitly set task and store flags into c.
func applyTaskFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if v, _ := f.GetString("task"); v != "" {
		c.Task.Name = v
	}
	if v, _ := f.GetString("taxonomy"); v != "" {
		c.Task.Taxonomy = v
	}
	if v, _ := f.GetString("rules"); v != "" {
		c.Task.RulesFile = v
	}
	if v, _ := f.GetString("key-field"); v != "" {
		c.Task.KeyField = v
	}
	if v, _ := f.GetString("output"); v != "" {
		c.Store.Path = v
	}
	if v, _ := f.GetString("store"); v != "" {
		c.Store.Driver = v
	}
}

// buildTask constructs the configured task, loading custom rules if set.
func buildTask(c *config.Config) (task.Task, error) {
	opts := task.Options{
		Taxonomy: c.Task.Taxonomy,
		KeyField: c.Task.KeyField,
		KeepRaw:  c.Task.KeepRaw,
	}
	if c.Task.RulesFile != "" {
		rules, err := extract.LoadRules(c.Task.RulesFile)
		if err != nil {
			return nil, eris.Wrapf(model.ErrConfiguration, "load rules: %v", err)
		}
		opts.Rules = rules
	}
	return task.Lookup(c.Task.Name, opts)
}

// openTaskSink builds the task and opens its output store.
func openTaskSink(ctx context.Context, c *config.Config) (task.Task, store.Sink, error) {
	t, err := buildTask(c)
	if err != nil {
		return nil, nil, err
	}
	sink, err := store.Open(ctx, c.Store, t.Name(), t.KeyField())
	if err != nil {
		return nil, nil, eris.Wrap(err, "open output store")
	}
	return t, sink, nil
}
