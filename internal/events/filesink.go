package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andywolf/baton/internal/fileutil"
)

// DefaultFilename is the default filename for the events file.
const DefaultFilename = "events.jsonl"

// FileSink appends Events to a JSONL file. Several hook processes may write
// the same journal concurrently, so every record is appended under an
// advisory lock, falling back to an unlocked append if the lock is busy.
type FileSink struct {
	path         string
	lockTimeout  time.Duration
	invocationID string
	now          func() time.Time
}

// NewFileSink creates a FileSink writing to dir/events.jsonl. The directory
// is created if needed; the file is created on first Record.
func NewFileSink(dir string, lockTimeout time.Duration, invocationID string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return &FileSink{
		path:         filepath.Join(dir, DefaultFilename),
		lockTimeout:  lockTimeout,
		invocationID: invocationID,
		now:          time.Now,
	}, nil
}

// Record writes a single event as one JSON line. Missing timestamps and
// invocation IDs are filled in.
func (s *FileSink) Record(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if event.InvocationID == "" {
		event.InvocationID = s.invocationID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fileutil.AppendLocked(s.path, append(data, '\n'), s.lockTimeout); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Path returns the path to the events file.
func (s *FileSink) Path() string {
	return s.path
}

// ReadEvents reads all events from a JSONL file. Malformed lines (e.g. a
// torn write from an unlocked fallback append) are skipped. A missing file
// yields no events.
func ReadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []Event
	scanner := bufio.NewScanner(file)

	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return events, nil
}

// FilterByType filters events by event type.
func FilterByType(events []Event, types ...EventType) []Event {
	if len(types) == 0 {
		return events
	}

	typeSet := make(map[EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	var filtered []Event
	for _, event := range events {
		if typeSet[event.Type] {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// FilterSince keeps events at or after since. A zero since keeps everything.
func FilterSince(events []Event, since time.Time) []Event {
	if since.IsZero() {
		return events
	}
	var filtered []Event
	for _, event := range events {
		if !event.Timestamp.Before(since) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
