package handoff

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/workspace"
)

// TimestampLayout is the timestamp prefix of handover file names.
const TimestampLayout = "20060102-150405"

// ErrNoHandover is returned by Latest when no document exists for a pair.
var ErrNoHandover = errors.New("no handover document")

// Generator writes handover documents into the layout's handovers directory.
type Generator struct {
	layout workspace.Layout
	now    func() time.Time
	newID  func() string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a Generator for layout.
func NewGenerator(layout workspace.Layout, opts ...GeneratorOption) *Generator {
	g := &Generator{
		layout: layout,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FileName returns the handover file name for a pair at t.
func FileName(from, to agent.Agent, t time.Time) string {
	return fmt.Sprintf("%s-%s-to-%s.md", t.UTC().Format(TimestampLayout), from, to)
}

// Generate writes a new handover skeleton from -> to and removes older
// documents for the same pair. Supersession failures do not fail the call.
func (g *Generator) Generate(from, to agent.Agent) (*Document, error) {
	const op = "generate handover"

	if from.IsNone() || to.IsNone() {
		return nil, errkind.New(errkind.InvalidAgent, op, "handover requires two real agents, got %s -> %s", from, to)
	}
	if from == to {
		return nil, errkind.New(errkind.InvalidAgent, op, "handover from %s to itself", from)
	}

	now := g.now().UTC().Truncate(time.Second)
	doc := &Document{
		ID:          g.newID(),
		From:        from,
		To:          to,
		GeneratedAt: now,
		Path:        filepath.Join(g.layout.HandoversDir(), FileName(from, to, now)),
	}
	doc.Body = g.renderBody(doc)

	data, err := Render(doc)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := os.MkdirAll(g.layout.HandoversDir(), 0700); err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := fileutil.AtomicWriteFile(doc.Path, data, 0600); err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}

	_ = g.supersede(doc) //nolint:errcheck // stale documents are harmless
	return doc, nil
}

func (g *Generator) renderBody(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s → %s\n\n", TitlePrefix, doc.From, doc.To)
	fmt.Fprintf(&b, "Generated: %s\n\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s (%s)\n\n", StatusHeading, doc.From)
	fmt.Fprintf(&b, statusPlaceholder+"\n\n", doc.From)
	fmt.Fprintf(&b, "%s (%s)\n\n", NextHeading, doc.To)
	fmt.Fprintf(&b, nextPlaceholder+"\n\n", doc.To)
	fmt.Fprintf(&b, "%s\n\n", ReferencesHeading)
	for _, a := range []agent.Agent{doc.From, doc.To} {
		rel, err := filepath.Rel(g.layout.Root, g.layout.NotesFile(a))
		if err != nil {
			rel = g.layout.NotesFile(a)
		}
		fmt.Fprintf(&b, "- %s notes: %s\n", a, rel)
	}
	return b.String()
}

// supersede deletes every other document for doc's pair.
func (g *Generator) supersede(doc *Document) error {
	paths, err := g.list(doc.From, doc.To)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		if p == doc.Path {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// list returns the documents for a pair, oldest first.
func (g *Generator) list(from, to agent.Agent) ([]string, error) {
	pattern := filepath.Join(g.layout.HandoversDir(), fmt.Sprintf("*-%s-to-%s.md", from, to))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Latest reads the newest document for a pair.
func (g *Generator) Latest(from, to agent.Agent) (*Document, error) {
	paths, err := g.list(from, to)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "latest handover", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w for %s -> %s", ErrNoHandover, from, to)
	}
	path := paths[len(paths)-1]
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "latest handover", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// LatestFor returns the newest document addressed to agent to, from anyone.
func (g *Generator) LatestFor(to agent.Agent) (*Document, error) {
	var newest *Document
	for _, from := range agent.Workers() {
		if from == to {
			continue
		}
		doc, err := g.Latest(from, to)
		if errors.Is(err, ErrNoHandover) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if newest == nil || doc.GeneratedAt.After(newest.GeneratedAt) {
			newest = doc
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoHandover, to)
	}
	return newest, nil
}
