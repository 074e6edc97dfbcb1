package task

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/model"
)

// Dimension is one value in a taxonomy.
type Dimension struct {
	Name        string
	Description string
}

// Example is a worked classification shown to the model.
type Example struct {
	Situation string
	Dilemma   string
	ChoiceA   string
	ChoiceB   string
	ValueA    string
	ReasonA   string
	ValueB    string
	ReasonB   string
}

// Taxonomy is a fixed set of values choices are classified against.
type Taxonomy struct {
	Name       string
	Title      string
	Dimensions []Dimension
	Example    *Example
}

var taxonomies = map[string]Taxonomy{
	"mft": {
		Name:  "mft",
		Title: "MFT",
		Dimensions: []Dimension{
			{"Care/Harm", "Protecting others from harm and alleviating suffering."},
			{"Fairness/Cheating", "Ensuring justice, equality, and reciprocity."},
			{"Loyalty/Betrayal", "Prioritizing group cohesion and allegiance."},
			{"Authority/Subversion", "Respecting hierarchy and tradition."},
			{"Sanctity/Degradation", "Upholding purity and moral boundaries."},
			{"Liberty/Oppression", "Valuing individual freedom and autonomy."},
		},
	},
	"schwartz": {
		Name:  "schwartz",
		Title: "Schwartz",
		Dimensions: []Dimension{
			{"Self-Direction", "Independent thought and action; choosing, creating, exploring."},
			{"Stimulation", "Excitement, novelty, and challenge in life."},
			{"Hedonism", "Pleasure and sensuous gratification for oneself."},
			{"Achievement", "Personal success through demonstrating competence."},
			{"Power", "Social status and prestige, control or dominance over people and resources."},
			{"Security", "Safety, harmony, and stability of society, relationships, and self."},
			{"Conformity", "Restraint of actions that violate social norms or harm others."},
			{"Tradition", "Respect, commitment, and acceptance of cultural or religious customs."},
			{"Benevolence", "Preserving and enhancing the welfare of close others."},
			{"Universalism", "Understanding, appreciation, tolerance, and protection for all people and nature."},
		},
		Example: &Example{
			Situation: "You are at a formal dinner party. The host insists you eat quickly, but doing so feels morally repugnant to you.",
			Dilemma:   "Prioritize social harmony or personal dignity?",
			ChoiceA:   "Eat quickly to please the host.",
			ChoiceB:   "Politely decline, risking offense.",
			ValueA:    "Conformity",
			ReasonA:   "The choice reflects restraint and adherence to social expectations in order to avoid causing offense.",
			ValueB:    "Self-Direction",
			ReasonB:   "The choice emphasizes acting according to one's own beliefs and maintaining personal integrity.",
		},
	},
}

// LookupTaxonomy returns the named taxonomy.
func LookupTaxonomy(name string) (Taxonomy, error) {
	t, ok := taxonomies[name]
	if !ok {
		return Taxonomy{}, eris.Wrapf(model.ErrConfiguration, "task: unknown taxonomy %q", name)
	}
	return t, nil
}

// TaxonomyNames lists the available taxonomies.
func TaxonomyNames() []string {
	names := make([]string, 0, len(taxonomies))
	for n := range taxonomies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
