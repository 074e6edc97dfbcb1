package task

import (
	"fmt"

	"github.com/sells-group/llm-factory/internal/extract"
	"github.com/sells-group/llm-factory/internal/model"
)

// ValueMapStages is the highest stage number inspected on an input record.
const ValueMapStages = 5

const valueMapSystem = "You are a helpful assistant"

var valueMapSpec = extract.MustCompile(valueMapRules())

func valueMapRules() extract.Rules {
	return extract.Rules{
		extract.LabelRule("choiceA_value", "ValueA"),
		extract.LabelRule("choiceA_reason", "ReasonA"),
		extract.LabelRule("choiceB_value", "ValueB"),
		extract.LabelRule("choiceB_reason", "ReasonB"),
	}
}

// ValueMap classifies both choices of every dilemma stage against a value
// taxonomy. Each stage that has a situation and a dilemma becomes one unit.
type ValueMap struct {
	base
	taxonomy Taxonomy
}

func newValueMap(opts Options) (Task, error) {
	name := opts.Taxonomy
	if name == "" {
		name = "mft"
	}
	tax, err := LookupTaxonomy(name)
	if err != nil {
		return nil, err
	}
	b, err := newBase("valuemap", opts, valueMapRules(), valueMapSpec)
	if err != nil {
		return nil, err
	}
	return &ValueMap{base: b, taxonomy: tax}, nil
}

// Taxonomy returns the taxonomy choices are classified against.
func (v *ValueMap) Taxonomy() Taxonomy { return v.taxonomy }

// stageField looks a stage field up under every spelling the datasets use.
func stageField(rec model.Record, stage int, field string) string {
	return rec.FirstString(
		fmt.Sprintf("Step %d_%s", stage, field),
		fmt.Sprintf("step %d_%s", stage, field),
		fmt.Sprintf("step_%d_%s", stage, field),
	)
}

func stageChoice(rec model.Record, stage int, choice string) string {
	if s := stageField(rec, stage, choice); s != "" {
		return s
	}
	return stageField(rec, stage, choice+"_action")
}

// Expand returns one unit per eligible stage, in stage order.
func (v *ValueMap) Expand(rec model.Record) []model.WorkUnit {
	var units []model.WorkUnit
	for stage := 1; stage <= ValueMapStages; stage++ {
		situation := stageField(rec, stage, "situation")
		dilemma := stageField(rec, stage, "dilemma")
		if situation == "" || dilemma == "" {
			continue
		}
		choiceA := stageChoice(rec, stage, "choiceA")
		choiceB := stageChoice(rec, stage, "choiceB")

		name := fmt.Sprintf("step %d", stage)
		prompt := render(valueMapTmpl, struct {
			Taxonomy  Taxonomy
			Situation string
			Dilemma   string
			ChoiceA   string
			ChoiceB   string
		}{v.taxonomy, situation, dilemma, choiceA, choiceB})

		units = append(units, model.WorkUnit{
			RecordKey: rec.Key,
			Index:     len(units) + 1,
			Name:      name,
			Prompt:    model.Prompt{System: valueMapSystem, User: prompt},
			Passthrough: map[string]any{
				model.FieldName(name, "situation"): situation,
				model.FieldName(name, "dilemma"):   dilemma,
				model.FieldName(name, "choiceA"):   choiceA,
				model.FieldName(name, "choiceB"):   choiceB,
			},
		})
	}
	return units
}
