package task

import (
	"fmt"

	"github.com/sells-group/llm-factory/internal/extract"
	"github.com/sells-group/llm-factory/internal/model"
)

// DilemmaStages is the number of stages in a generated dilemma chain.
const DilemmaStages = 3

var dilemmaFieldSuffixes = []string{
	"situation",
	"dilemma",
	"choiceA_action",
	"choiceA_value",
	"choiceB_action",
	"choiceB_value",
}

// DilemmaFields lists the fields a dilemma reply carries, in prompt order.
func DilemmaFields() []string {
	fields := make([]string, 0, DilemmaStages*len(dilemmaFieldSuffixes))
	for stage := 1; stage <= DilemmaStages; stage++ {
		for _, suffix := range dilemmaFieldSuffixes {
			fields = append(fields, fmt.Sprintf("step_%d_%s", stage, suffix))
		}
	}
	return fields
}

var dilemmaSpec = extract.MustCompile(dilemmaRules())

func dilemmaRules() extract.Rules {
	fields := DilemmaFields()
	rules := make(extract.Rules, 0, len(fields))
	for _, f := range fields {
		rules = append(rules, extract.JSONStringRule(f))
	}
	return rules
}

// Dilemma expands a norm into a three-stage moral dilemma chain.
type Dilemma struct {
	base
}

func newDilemma(opts Options) (Task, error) {
	b, err := newBase("dilemma", opts, dilemmaRules(), dilemmaSpec)
	if err != nil {
		return nil, err
	}
	return &Dilemma{base: b}, nil
}

// Expand returns a single unit for a record with a key, none otherwise.
func (d *Dilemma) Expand(rec model.Record) []model.WorkUnit {
	if rec.Key == "" {
		return nil
	}
	prompt := render(dilemmaTmpl, struct {
		Norm   string
		Fields []string
	}{Norm: rec.Key, Fields: DilemmaFields()})

	return []model.WorkUnit{{
		RecordKey: rec.Key,
		Index:     1,
		Prompt:    model.Prompt{User: prompt},
	}}
}
