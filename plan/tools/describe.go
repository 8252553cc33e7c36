package tools

import "github.com/jervisproject/jervis/plan"

// Described is a plan tool that carries a one-line description for the
// planner prompt.
type Described interface {
	plan.Tool
	Description() string
}

// Describe builds the planner's tool catalog from the registered tools.
func Describe(tools ...Described) map[string]string {
	catalog := make(map[string]string, len(tools))
	for _, t := range tools {
		catalog[t.Name()] = t.Description()
	}
	return catalog
}
