// Package handoff produces the structured document an outgoing agent leaves
// for the incoming one. The generator writes a skeleton; the agents fill in
// the sections themselves.
package handoff

import (
	"time"

	"github.com/andywolf/baton/internal/agent"
)

// Section headings. Validate requires all of them.
const (
	TitlePrefix       = "# Handover: "
	StatusHeading     = "## Current Status"
	NextHeading       = "## Next Actions"
	ReferencesHeading = "## References"
)

// Placeholders left in a freshly generated document.
const (
	statusPlaceholder = "<!-- %s: summarise unfinished work, open questions and blockers here. -->"
	nextPlaceholder   = "<!-- %s: list the first steps to take when resuming. -->"
)

// Document is one handover between two agents.
type Document struct {
	ID          string
	From        agent.Agent
	To          agent.Agent
	GeneratedAt time.Time
	// Path is where the document lives on disk, empty if parsed from memory.
	Path string
	// Body is the markdown after the front matter.
	Body string
}

// frontMatter is the YAML header of a handover file.
type frontMatter struct {
	ID          string    `yaml:"id"`
	From        string    `yaml:"from"`
	To          string    `yaml:"to"`
	GeneratedAt time.Time `yaml:"generated_at"`
}
