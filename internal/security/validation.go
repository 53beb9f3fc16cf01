package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
)

const (
	// MaxAgentNameLength bounds agent identifiers before whitelist lookup.
	MaxAgentNameLength = 32
	// MaxJSONBytes is the hard cap on hook payloads.
	MaxJSONBytes = 1 << 20
)

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// pathMetacharacters are never legitimate in a state-dir path.
var pathMetacharacters = []string{";", "&", "|", "`", "$("}

var sensitivePrefixes = []string{"/etc/", "~/.ssh", "/proc/", "/dev/"}

// jsonDangerousPatterns are matched case-insensitively against payloads and
// screened fields.
var jsonDangerousPatterns = []string{
	"<script",
	"javascript:",
	"eval(",
	"system(",
	"exec(",
	"$(",
	"`",
	"${",
}

// Validator checks untrusted input. Every rejection is reported to the
// recorder as a security event before the error is returned.
type Validator struct {
	safeDir   string
	recorder  events.Recorder
	sanitizer *LogSanitizer
}

// NewValidator creates a Validator that confines paths to safeDir.
// A nil recorder discards events.
func NewValidator(safeDir string, recorder events.Recorder) *Validator {
	if recorder == nil {
		recorder = events.Discard
	}
	return &Validator{
		safeDir:   safeDir,
		recorder:  recorder,
		sanitizer: NewLogSanitizer(),
	}
}

// ValidateAgentName returns the Agent named exactly by name. The name is
// never trimmed or case-folded.
func (v *Validator) ValidateAgentName(name string) (agent.Agent, error) {
	const op = "validate agent name"

	if name == "" {
		return agent.None, v.reject(errkind.InvalidAgent, op, name, "empty agent name")
	}
	if len(name) > MaxAgentNameLength {
		return agent.None, v.reject(errkind.InvalidAgent, op, name,
			"agent name exceeds %d characters", MaxAgentNameLength)
	}
	if !agentNamePattern.MatchString(name) {
		return agent.None, v.reject(errkind.InvalidAgent, op, name,
			"agent name %q contains invalid characters", truncate(name, 64))
	}
	a, err := agent.Parse(name)
	if err != nil {
		return agent.None, v.reject(errkind.InvalidAgent, op, name,
			"agent %q is not in the whitelist", name)
	}
	return a, nil
}

// SanitizePath validates path and returns its resolved absolute form.
// Relative paths are taken relative to the safe directory. Symlinks are
// resolved on the longest existing prefix, and the result must lie inside
// the (resolved) safe directory.
func (v *Validator) SanitizePath(path string) (string, error) {
	const op = "sanitize path"

	if path == "" {
		return "", v.reject(errkind.PathTraversal, op, path, "empty path")
	}
	if strings.ContainsRune(path, 0) {
		return "", v.reject(errkind.PathTraversal, op, path, "path contains null byte")
	}
	if hasTraversal(path) {
		return "", v.reject(errkind.PathTraversal, op, path, "path %q contains traversal sequence", truncate(path, 128))
	}
	for _, meta := range pathMetacharacters {
		if strings.Contains(path, meta) {
			return "", v.reject(errkind.PathTraversal, op, path,
				"path contains shell metacharacter %q", meta)
		}
	}
	if prefix, ok := sensitivePrefix(path); ok {
		return "", v.reject(errkind.PathTraversal, op, path, "path targets sensitive location %s", prefix)
	}

	safe, err := resolveExisting(v.safeDir)
	if err != nil {
		return "", errkind.Wrap(errkind.IOError, op, err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(safe, abs)
	}
	resolved, err := resolveExisting(filepath.Clean(abs))
	if err != nil {
		return "", errkind.Wrap(errkind.IOError, op, err)
	}
	if prefix, ok := sensitivePrefix(resolved + "/"); ok {
		return "", v.reject(errkind.PathTraversal, op, path, "path resolves into sensitive location %s", prefix)
	}
	if !within(safe, resolved) {
		return "", v.reject(errkind.PathTraversal, op, path,
			"path %q resolves outside %s", truncate(path, 128), safe)
	}
	return resolved, nil
}

// SanitizeJSON bounds and screens a raw JSON payload. maxBytes tightens the
// 1 MiB cap when positive and smaller.
func (v *Validator) SanitizeJSON(raw []byte, maxBytes int) ([]byte, error) {
	const op = "sanitize json"

	if err := v.checkBounds(op, raw, maxBytes); err != nil {
		return nil, err
	}
	if err := v.screen(op, "payload", string(raw)); err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, v.reject(errkind.InvalidInput, op, "", "payload is not well-formed JSON")
	}

	clean := make([]byte, len(raw))
	copy(clean, raw)
	return clean, nil
}

// DecodeJSON bounds raw and decodes it into out. Unlike SanitizeJSON it does
// not screen content, so callers screen only the fields they act on.
func (v *Validator) DecodeJSON(raw []byte, maxBytes int, out interface{}) error {
	const op = "decode json"

	if err := v.checkBounds(op, raw, maxBytes); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return v.reject(errkind.InvalidInput, op, "", "payload is not well-formed JSON: %v", err)
	}
	return nil
}

// ScreenText rejects a decoded string field that carries a null byte or a
// shell or script injection pattern. field names it in the error.
func (v *Validator) ScreenText(field, s string) error {
	return v.screen("screen text", field, s)
}

func (v *Validator) checkBounds(op string, raw []byte, maxBytes int) error {
	limit := MaxJSONBytes
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}
	if len(raw) > limit {
		return v.reject(errkind.InvalidInput, op, "",
			"payload of %d bytes exceeds %d byte limit", len(raw), limit)
	}
	return nil
}

func (v *Validator) screen(op, field, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return v.reject(errkind.InvalidInput, op, "", "%s contains null byte", field)
	}
	lower := strings.ToLower(s)
	for _, pattern := range jsonDangerousPatterns {
		if strings.Contains(lower, pattern) {
			return v.reject(errkind.InvalidInput, op, "",
				"%s contains dangerous pattern %q", field, pattern)
		}
	}
	return nil
}

// reject builds the error, records the security event and returns the error.
func (v *Validator) reject(kind errkind.Kind, op, subject, format string, args ...interface{}) error {
	err := errkind.New(kind, op, format, args...)

	event := events.Event{
		Type:    events.TypeSecurity,
		Kind:    string(kind),
		Action:  op,
		Message: v.sanitizer.Sanitize(err.Error()),
	}
	if subject != "" {
		event.Fields = map[string]string{"input": v.sanitizer.Sanitize(truncate(subject, 128))}
	}
	_ = v.recorder.Record(event) //nolint:errcheck // the rejection itself must still be returned
	return err
}

func hasTraversal(path string) bool {
	if strings.Contains(path, "../") || strings.Contains(path, `..\`) {
		return true
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func sensitivePrefix(path string) (string, bool) {
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// resolveExisting evaluates symlinks on the longest prefix of path that
// exists and re-appends the remainder.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to make %s absolute: %w", path, err)
	}

	var rest []string
	current := abs
	for {
		if _, err := os.Lstat(current); err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", fmt.Errorf("failed to resolve %s: %w", current, err)
			}
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return abs, nil
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
