// Package roles embeds the role brief written into each agent's identity
// file when its environment is first created.
package roles

import (
	_ "embed"
	"strings"
)

//go:embed planner.md
var planner string

//go:embed builder.md
var builder string

// briefs maps agent names to their embedded brief.
var briefs = map[string]string{
	"planner": planner,
	"builder": builder,
}

// Get returns the brief for the named agent, or "" for unknown names.
func Get(name string) string {
	return briefs[strings.ToLower(name)]
}

// Names returns the agents with a brief, in hand-off order.
func Names() []string {
	return []string{"planner", "builder"}
}
