package task

import (
	"strings"
	"text/template"
)

const dilemmaPrompt = `You are an ethical scenario architect. Given the norm "{{.Norm}}", create a 3-stage moral dilemma chain with binary choices, maintaining story continuity.

Requirements
1. Stage Progression:
  - Stage 1 (Baseline Conflict):
    - Initialize scenario with fundamental norm conflict
    - Introduce primary value tension (Value1 vs Value2)
  - Stage 2 (Contextual Variation):
    - Modify situational details (social roles/power dynamics/cultural context)
    - Amplify original conflict through new perspective
  - Stage 3 (Pressure Intensification):
    - Add urgent time/resource pressure
    - Force decisive action with high stakes

Output Format (JSON):
{
  "norm": "{{.Norm}}",
{{- range $i, $f := .Fields}}
  "{{$f}}": "..."{{if not (last $i $.Fields)}},{{end}}
{{- end}}
}
`

const valueMapPrompt = `You are tasked with analyzing a moral dilemma and assigning the most relevant **single {{.Taxonomy.Title}} value** to each choice. Follow these steps:

### Step 1: Understand the {{.Taxonomy.Title}} Dimensions
{{- range $i, $d := .Taxonomy.Dimensions}}
{{inc $i}}. {{$d.Name}}: {{$d.Description}}
{{- end}}

### Step 2: Analyze the Dilemma
- **Situation**: {{.Situation}}
- **Dilemma**: {{.Dilemma}}
- **Choice A**: {{.ChoiceA}}
- **Choice B**: {{.ChoiceB}}

For each choice:
1. Describe the consequences.
2. Identify the **single most relevant {{.Taxonomy.Title}} value**.
3. Justify briefly.

### Step 3: Format
ValueA: <{{.Taxonomy.Title}} value>
ReasonA: <Justification>
ValueB: <{{.Taxonomy.Title}} value>
ReasonB: <Justification>
{{- with .Taxonomy.Example}}

### Example
- **Situation**: {{.Situation}}
- **Dilemma**: {{.Dilemma}}
- **Choice A**: {{.ChoiceA}}
- **Choice B**: {{.ChoiceB}}

ValueA: {{.ValueA}}
ReasonA: {{.ReasonA}}
ValueB: {{.ValueB}}
ReasonB: {{.ReasonB}}
{{- end}}
`

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"last": func(i int, s []string) bool { return i == len(s)-1 },
}

var (
	dilemmaTmpl  = template.Must(template.New("dilemma").Funcs(funcs).Parse(dilemmaPrompt))
	valueMapTmpl = template.Must(template.New("valuemap").Funcs(funcs).Parse(valueMapPrompt))
)

func render(t *template.Template, data any) string {
	var sb strings.Builder
	// Templates are parsed at init and only see strings; execution cannot fail.
	_ = t.Execute(&sb, data)
	return sb.String()
}
