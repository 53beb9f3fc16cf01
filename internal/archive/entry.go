package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
)

// TimestampLayout prefixes archive file names.
const TimestampLayout = "20060102-150405"

// fileSuffix ends every uncompressed archive file name.
const fileSuffix = "-notes.md"

// Metadata is the front matter of an archive file.
type Metadata struct {
	ArchivedAt     time.Time `yaml:"archived_at"`
	OriginalLines  int       `yaml:"original_lines"`
	OriginalBytes  int64     `yaml:"original_bytes"`
	RotationReason string    `yaml:"rotation_reason"`
	Agent          string    `yaml:"agent"`
}

// FileName returns the uncompressed archive file name for t.
func FileName(t time.Time) string {
	return t.UTC().Format(TimestampLayout) + fileSuffix
}

// IsArchiveFile reports whether name looks like an archive file, compressed
// or not.
func IsArchiveFile(name string) bool {
	base := StripExtension(filepath.Base(name))
	if !strings.HasSuffix(base, fileSuffix) {
		return false
	}
	_, err := time.Parse(TimestampLayout, strings.TrimSuffix(base, fileSuffix))
	return err == nil
}

// RenderEntry prefixes the verbatim notes content with its metadata.
func RenderEntry(meta Metadata, content []byte) ([]byte, error) {
	data, err := fileutil.RenderFrontMatter(meta, content)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "render archive", err)
	}
	return data, nil
}

// ParseEntry validates an uncompressed archive file and returns its metadata
// and the verbatim notes content. Any defect is a CorruptArchive error.
func ParseEntry(data []byte) (*Metadata, []byte, error) {
	const op = "parse archive"

	if !utf8.Valid(data) {
		return nil, nil, errkind.New(errkind.CorruptArchive, op, "archive is not valid UTF-8")
	}
	var meta Metadata
	content, err := fileutil.DecodeFrontMatter(data, &meta)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.CorruptArchive, op, err)
	}
	if meta.ArchivedAt.IsZero() {
		return nil, nil, errkind.New(errkind.CorruptArchive, op, "archived_at is missing")
	}
	if !agent.Exists(meta.Agent) || meta.Agent == agent.None.String() {
		return nil, nil, errkind.New(errkind.CorruptArchive, op, "unknown agent %q", meta.Agent)
	}
	if int64(len(content)) != meta.OriginalBytes {
		return nil, nil, errkind.New(errkind.CorruptArchive, op,
			"content is %d bytes, metadata records %d", len(content), meta.OriginalBytes)
	}
	if lines := CountLines(content); lines != meta.OriginalLines {
		return nil, nil, errkind.New(errkind.CorruptArchive, op,
			"content has %d lines, metadata records %d", lines, meta.OriginalLines)
	}
	return &meta, content, nil
}

// CountLines counts lines the way wc -l does, plus a final unterminated line.
func CountLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// ValidateFile checks a decoded archive against an expected checksum. An
// empty checksum skips that comparison.
func ValidateFile(data []byte, checksum string) (*Metadata, error) {
	meta, _, err := ParseEntry(data)
	if err != nil {
		return nil, err
	}
	if checksum != "" {
		if got := Checksum(data); got != checksum {
			return nil, errkind.New(errkind.CorruptArchive, "validate archive",
				"checksum mismatch: got %s, want %s", short(got), short(checksum))
		}
	}
	return meta, nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// describe is used in error messages and reports.
func describe(meta *Metadata) string {
	return fmt.Sprintf("%s archive from %s (%d lines)", meta.Agent, meta.ArchivedAt.Format(time.RFC3339), meta.OriginalLines)
}
