// Package task defines the pluggable work a pipeline run performs: how a
// record expands into work units and how replies are parsed.
package task

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/extract"
	"github.com/sells-group/llm-factory/internal/model"
)

// Task expands records into work units and declares how replies are parsed.
// Implementations must be deterministic and side-effect free.
type Task interface {
	Name() string
	KeyField() string
	// Expand returns the record's work units. An empty result means the
	// record has nothing to do and is skipped.
	Expand(rec model.Record) []model.WorkUnit
	// Rules are the extraction rules applied to every reply.
	Rules() extract.Rules
	Spec() *extract.Spec
	KeepRaw() bool
}

// Options configures a task at construction.
type Options struct {
	Taxonomy string
	KeyField string
	// Rules replaces the task's built-in extraction rules when non-empty.
	Rules   extract.Rules
	KeepRaw bool
}

type factory func(opts Options) (Task, error)

var registry = map[string]factory{
	"dilemma":  newDilemma,
	"valuemap": newValueMap,
}

// Lookup builds the named task.
func Lookup(name string, opts Options) (Task, error) {
	f, ok := registry[name]
	if !ok {
		return nil, eris.Wrapf(model.ErrConfiguration, "task: unknown task %q", name)
	}
	if opts.KeyField == "" {
		opts.KeyField = model.DefaultKeyField
	}
	return f(opts)
}

// Names lists registered tasks.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// base carries the fields every task shares.
type base struct {
	name     string
	keyField string
	rules    extract.Rules
	spec     *extract.Spec
	keepRaw  bool
}

func newBase(name string, opts Options, builtin extract.Rules, builtinSpec *extract.Spec) (base, error) {
	b := base{name: name, keyField: opts.KeyField, rules: builtin, spec: builtinSpec, keepRaw: opts.KeepRaw}
	if len(opts.Rules) == 0 {
		return b, nil
	}
	spec, err := extract.Compile(opts.Rules)
	if err != nil {
		return base{}, eris.Wrapf(err, "task: %s rules", name)
	}
	b.rules, b.spec = opts.Rules, spec
	return b, nil
}

func (b base) Name() string         { return b.name }
func (b base) KeyField() string     { return b.keyField }
func (b base) Rules() extract.Rules { return b.rules }
func (b base) Spec() *extract.Spec  { return b.spec }
func (b base) KeepRaw() bool        { return b.keepRaw }
