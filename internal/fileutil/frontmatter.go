package fileutil

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	frontMatterOpen  = []byte("---\n")
	frontMatterClose = []byte("\n---\n")
)

// ErrNoFrontMatter is returned when a document does not start with "---".
var ErrNoFrontMatter = errors.New("missing front matter")

// RenderFrontMatter marshals meta as a YAML block delimited by "---" lines
// and appends body unchanged.
func RenderFrontMatter(meta interface{}, body []byte) ([]byte, error) {
	front, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(frontMatterOpen) + len(front) + len(frontMatterOpen) + len(body))
	buf.Write(frontMatterOpen)
	buf.Write(front)
	buf.Write(frontMatterOpen)
	buf.Write(body)
	return buf.Bytes(), nil
}

// SplitFrontMatter is the inverse of RenderFrontMatter. body is returned
// byte-for-byte as it follows the closing delimiter.
func SplitFrontMatter(data []byte) (front, body []byte, err error) {
	if !bytes.HasPrefix(data, frontMatterOpen) {
		return nil, nil, ErrNoFrontMatter
	}
	rest := data[len(frontMatterOpen):]
	end := bytes.Index(rest, frontMatterClose)
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated front matter")
	}
	return rest[:end+1], rest[end+len(frontMatterClose):], nil
}

// DecodeFrontMatter splits data and unmarshals the YAML block into meta.
func DecodeFrontMatter(data []byte, meta interface{}) (body []byte, err error) {
	front, body, err := SplitFrontMatter(data)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(front, meta); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}
	return body, nil
}
