// Package extract pulls structured fields out of free-text model replies
// using declarative name-to-pattern rules.
package extract

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/llm-factory/internal/model"
)

// Rule extracts one field: the first capture group of Pattern.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	// JSONString unescapes the capture as the body of a JSON string literal.
	JSONString bool `yaml:"json_string,omitempty" json:"json_string,omitempty"`
	// Trim lists extra characters stripped from both ends of the capture.
	Trim string `yaml:"trim,omitempty" json:"trim,omitempty"`
}

// Rules is an ordered extraction spec.
type Rules []Rule

// Names returns the field names in rule order.
func (r Rules) Names() []string {
	names := make([]string, len(r))
	for i, rule := range r {
		names[i] = rule.Name
	}
	return names
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Spec is a compiled, immutable set of rules. Safe for concurrent use.
type Spec struct {
	rules []compiledRule
}

// Compile validates and compiles rules. Every pattern must have at least one
// capture group and names must be unique.
func Compile(rules Rules) (*Spec, error) {
	seen := make(map[string]bool, len(rules))
	spec := &Spec{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Name == "" {
			return nil, eris.New("extract: rule with empty name")
		}
		if seen[r.Name] {
			return nil, eris.Errorf("extract: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true

		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: compile rule %q", r.Name)
		}
		if re.NumSubexp() < 1 {
			return nil, eris.Errorf("extract: rule %q has no capture group", r.Name)
		}
		spec.rules = append(spec.rules, compiledRule{Rule: r, re: re})
	}
	return spec, nil
}

// MustCompile is like Compile but panics on error. For built-in rules only.
func MustCompile(rules Rules) *Spec {
	s, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Names returns the field names of the spec.
func (s *Spec) Names() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name
	}
	return names
}

// Parse applies every rule independently to raw. A rule that does not match,
// or captures only whitespace, yields a nil field. Parse never fails; the
// second return value is the number of matched fields.
func (s *Spec) Parse(raw string) (model.ExtractedFields, int) {
	fields := make(model.ExtractedFields, len(s.rules))
	matched := 0
	for _, r := range s.rules {
		m := r.re.FindStringSubmatch(raw)
		if m == nil {
			fields[r.Name] = nil
			continue
		}
		v := m[1]
		if r.JSONString {
			v = unescapeJSON(v)
		}
		v = strings.TrimSpace(v)
		if r.Trim != "" {
			v = strings.TrimSpace(strings.Trim(v, r.Trim))
		}
		if v == "" {
			fields[r.Name] = nil
			continue
		}
		fields[r.Name] = &v
		matched++
	}
	if matched < len(s.rules) {
		zap.L().Debug("extract: fields not matched",
			zap.Int("matched", matched),
			zap.Int("expected", len(s.rules)),
		)
	}
	return fields, matched
}

// JSONStringRule builds a rule capturing the string value of "name" in a
// JSON-shaped reply, tolerating escaped quotes inside the value.
func JSONStringRule(name string) Rule {
	return Rule{
		Name:       name,
		Pattern:    `"` + regexp.QuoteMeta(name) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`,
		JSONString: true,
	}
}

// LabelRule builds a rule capturing the text after "Label:" up to the end of
// the line. When the label ends its line, the value is taken from the next
// line unless that line is another label. Markdown emphasis and backticks
// around the value are stripped.
func LabelRule(name, label string) Rule {
	return Rule{
		Name:    name,
		Pattern: `\b` + regexp.QuoteMeta(label) + `\**[ \t]*:[ \t]*([^\n]+|\n[ \t]*[^\n:]+)(?:\n|$)`,
		Trim:    "*`\"'",
	}
}

func unescapeJSON(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

type rulesFile struct {
	Rules Rules `yaml:"rules"`
}

// LoadRules reads a YAML file of the form:
//
//	rules:
//	  - name: choiceA_value
//	    pattern: 'ValueA:\s*([\w\s/]+)'
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read rules %s", path)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "extract: parse rules %s", path)
	}
	if len(f.Rules) == 0 {
		return nil, eris.Errorf("extract: no rules in %s", path)
	}
	if _, err := Compile(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}
