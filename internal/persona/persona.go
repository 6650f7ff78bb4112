// Package persona selects the system prompt and sandbox policy attached to
// outgoing subprocess-peer calls, keyed by the requested conversation
// category.
package persona

import "strings"

type Persona struct {
	Name             string
	Category         string
	Description      string
	BaseInstructions string
	Triggers         []string
	SandboxOverride  string
}

var Architect = Persona{
	Name:        "architect",
	Category:    "design",
	Description: "Default persona for planning, implementation, and general collaboration.",
	BaseInstructions: "You are acting as an architect collaborator for another AI assistant. " +
		"Favor concrete, actionable guidance: concrete file paths, concrete steps, concrete tradeoffs. " +
		"When a design choice is ambiguous, state the choice you would make and why.",
}

var Oracle = Persona{
	Name:        "oracle",
	Category:    "diagnosis",
	Description: "Invoked when the request is about explaining a failure or understanding root cause.",
	BaseInstructions: "You are acting as a root-cause investigator for another AI assistant. " +
		"Read the failure description carefully, reason about what in the described system would produce it, " +
		"and answer with the most likely cause first, followed by how to confirm it.",
	Triggers: []string{
		"why", "debug", "investigate", "root cause", "understand",
		"explain", "failing", "broken", "not working", "error", "bug",
	},
}

// registry is a small fixed lookup table rather than a mutable collection,
// since the set of personas is closed.
var registry = map[string]Persona{
	Architect.Name: Architect,
	Oracle.Name:    Oracle,
}

func Resolve(name string) (Persona, bool) {
	p, ok := registry[name]
	return p, ok
}

// SelectForContent auto-selects a persona by scanning content for an
// oracle trigger substring; the first hit wins, otherwise architect.
func SelectForContent(content string) Persona {
	lower := strings.ToLower(content)
	for _, trigger := range Oracle.Triggers {
		if strings.Contains(lower, trigger) {
			return Oracle
		}
	}
	return Architect
}
