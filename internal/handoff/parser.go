package handoff

import (
	"bytes"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
)

// Render serialises doc as front matter, a blank line, then its body.
func Render(doc *Document) ([]byte, error) {
	return fileutil.RenderFrontMatter(frontMatter{
		ID:          doc.ID,
		From:        doc.From.String(),
		To:          doc.To.String(),
		GeneratedAt: doc.GeneratedAt,
	}, append([]byte("\n"), doc.Body...))
}

// Parse reads a rendered handover document. Agents named in the front
// matter must be whitelisted.
func Parse(data []byte) (*Document, error) {
	const op = "parse handover"

	var fm frontMatter
	body, err := fileutil.DecodeFrontMatter(data, &fm)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}

	from, err := agent.Parse(fm.From)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidAgent, op, err)
	}
	to, err := agent.Parse(fm.To)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidAgent, op, err)
	}

	return &Document{
		ID:          fm.ID,
		From:        from,
		To:          to,
		GeneratedAt: fm.GeneratedAt,
		Body:        string(bytes.TrimPrefix(body, []byte("\n"))),
	}, nil
}
