// Package goal defines the contract an agent run is held to: success
// criteria and constraints that frame every decision the executor logs.
package goal

import "fmt"

// SuccessCriterion is one measurable dimension of success for a Goal.
type SuccessCriterion struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Metric      string  `json:"metric"`       // measurable metric name
	Target      float64 `json:"target"`       // target value for the metric
	Weight      float64 `json:"weight"`       // in [0,1]
}

// ConstraintCategory classifies a Constraint for prompt assembly and
// reporting purposes.
type ConstraintCategory string

const (
	CategorySafety ConstraintCategory = "safety"
	CategoryFormat ConstraintCategory = "format"
	CategoryCost   ConstraintCategory = "cost"
)

// Constraint is a hard or soft rule the agent must respect.
type Constraint struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	Hard        bool               `json:"hard"`
	Category    ConstraintCategory `json:"category"`
	Expression  string             `json:"expression,omitempty"` // optional machine-checkable expression
}

// Goal is the contract the agent is held to. It is immutable once a run
// begins; the executor only ever reads it.
type Goal struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Criteria    []SuccessCriterion `json:"success_criteria"`
	Constraints []Constraint       `json:"constraints"`
}

// ToPromptContext renders a compact, human-readable summary of the goal
// suitable for injection into an LLM prompt.
func (g Goal) ToPromptContext() string {
	s := fmt.Sprintf("Goal: %s\n%s\n", g.Name, g.Description)
	if len(g.Criteria) > 0 {
		s += "Success criteria:\n"
		for _, c := range g.Criteria {
			s += fmt.Sprintf("  - %s (%s >= %.2f, weight %.2f)\n", c.Description, c.Metric, c.Target, c.Weight)
		}
	}
	if len(g.Constraints) > 0 {
		s += "Constraints:\n"
		for _, c := range g.Constraints {
			kind := "soft"
			if c.Hard {
				kind = "hard"
			}
			s += fmt.Sprintf("  - [%s/%s] %s\n", kind, c.Category, c.Description)
		}
	}
	return s
}

// ActiveConstraintIDs returns the IDs of all constraints, in declaration
// order, for attaching to a Decision's active-constraints snapshot.
func (g Goal) ActiveConstraintIDs() []string {
	ids := make([]string, len(g.Constraints))
	for i, c := range g.Constraints {
		ids[i] = c.ID
	}
	return ids
}
