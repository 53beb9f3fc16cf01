package workspace

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/prompts/roles"
)

// Identity is the front matter of an agent's identity file.
type Identity struct {
	Agent     string    `yaml:"agent"`
	Role      string    `yaml:"role"`
	CreatedAt time.Time `yaml:"created_at"`
}

var roleSummaries = map[agent.Agent]string{
	agent.Planner: "Designs the work, records decisions and hands tasks to the builder.",
	agent.Builder: "Implements planned work, reports blockers back to the planner.",
}

// InitResult reports which files InitAgent created.
type InitResult struct {
	NotesCreated    bool
	IdentityCreated bool
}

// InitAgent creates a's directory, notes file and identity file if they are
// missing. Existing files are never touched, so concurrent initialisations
// are harmless. The None agent has no environment.
func InitAgent(l Layout, a agent.Agent, now time.Time) (InitResult, error) {
	const op = "init agent"
	var result InitResult

	if a.IsNone() {
		return result, errkind.New(errkind.InvalidAgent, op, "cannot initialise the none agent")
	}
	if err := l.EnsureDirs(); err != nil {
		return result, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := os.MkdirAll(l.AgentDir(a), 0700); err != nil {
		return result, errkind.Wrap(errkind.IOError, op, err)
	}

	notes := fmt.Sprintf("# %s notes\n", a)
	created, err := createIfMissing(l.NotesFile(a), []byte(notes))
	if err != nil {
		return result, errkind.Wrap(errkind.IOError, op, err)
	}
	result.NotesCreated = created

	identity, err := renderIdentity(Identity{Agent: a.String(), Role: roleSummaries[a], CreatedAt: now.UTC()})
	if err != nil {
		return result, errkind.Wrap(errkind.IOError, op, err)
	}
	created, err = createIfMissing(l.IdentityFile(a), identity)
	if err != nil {
		return result, errkind.Wrap(errkind.IOError, op, err)
	}
	result.IdentityCreated = created

	return result, nil
}

func createIfMissing(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	err := fileutil.CreateExclusive(path, data, 0600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func renderIdentity(id Identity) ([]byte, error) {
	body := roles.Get(id.Agent)
	if body == "" {
		body = fmt.Sprintf("# %s\n\n%s\n", id.Agent, id.Role)
	}
	return fileutil.RenderFrontMatter(id, []byte("\n"+body))
}

// ReadIdentity parses an identity file's front matter.
func ReadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if _, err := fileutil.DecodeFrontMatter(data, &id); err != nil {
		return nil, fmt.Errorf("identity file %s: %w", path, err)
	}
	return &id, nil
}
