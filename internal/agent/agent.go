// Package agent defines the closed set of agent identities that may hold
// control of a project. An Agent value can only be obtained from the
// package-level variables or from Parse, so a value that exists is always
// one of the whitelisted identities.
package agent

import (
	"fmt"
	"sort"
)

// Agent is a whitelisted agent identity. The zero value is None.
type Agent struct {
	name string
}

var (
	// None is the sentinel meaning "no agent active yet".
	None = Agent{}
	// Planner designs work and records decisions.
	Planner = Agent{name: "planner"}
	// Builder implements what the planner hands over.
	Builder = Agent{name: "builder"}
)

const noneName = "none"

// registry maps the on-disk/wire name of each agent to its value.
var registry = map[string]Agent{
	noneName:     None,
	Planner.name: Planner,
	Builder.name: Builder,
}

// Parse returns the agent with the exact given name. Matching is
// case-sensitive and no whitespace trimming is performed.
func Parse(name string) (Agent, error) {
	a, ok := registry[name]
	if !ok {
		return None, fmt.Errorf("unknown agent: %q", name)
	}
	return a, nil
}

// Exists reports whether name is a whitelisted agent identifier.
func Exists(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns every whitelisted identifier, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workers returns the agents that can actually hold control (everything
// except None).
func Workers() []Agent {
	return []Agent{Planner, Builder}
}

// String returns the identifier, "none" for None.
func (a Agent) String() string {
	if a.name == "" {
		return noneName
	}
	return a.name
}

// IsNone reports whether a is the None sentinel.
func (a Agent) IsNone() bool {
	return a.name == ""
}

// MarshalText implements encoding.TextMarshaler.
func (a Agent) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are
// rejected so decoding can never produce an identity outside the whitelist.
func (a *Agent) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
