// Package events records security and lifecycle events as JSON lines.
// Security rejections, agent switches, rotations and archive operations
// all land in one append-only journal that `baton status` reads back.
package events

import (
	"sync"
	"time"
)

// EventType identifies the category of an event.
type EventType string

const (
	// TypeSecurity is a rejected input: bad agent name, path, JSON, command.
	TypeSecurity EventType = "security"
	// TypeSwitch is a committed change of the active agent.
	TypeSwitch EventType = "switch"
	// TypeHandover is a handover document written or failed.
	TypeHandover EventType = "handover"
	// TypeRotation is a notes rotation (success or rollback).
	TypeRotation EventType = "rotation"
	// TypeArchive is an archive lifecycle action (archive, cleanup, restore).
	TypeArchive EventType = "archive"
	// TypeError is any other failure worth keeping.
	TypeError EventType = "error"
)

// Event is one journal record.
type Event struct {
	Timestamp    time.Time         `json:"timestamp"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Type         EventType         `json:"type"`
	Kind         string            `json:"kind,omitempty"`
	Action       string            `json:"action,omitempty"`
	Agent        string            `json:"agent,omitempty"`
	Path         string            `json:"path,omitempty"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// Recorder accepts events. Implementations must not block indefinitely.
type Recorder interface {
	Record(event Event) error
}

// ValidEventTypes returns all valid event type values.
func ValidEventTypes() []EventType {
	return []EventType{
		TypeSecurity,
		TypeSwitch,
		TypeHandover,
		TypeRotation,
		TypeArchive,
		TypeError,
	}
}

// IsValidEventType checks if the given string is a valid event type.
func IsValidEventType(s string) bool {
	for _, t := range ValidEventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) error { return nil }

// MemorySink keeps events in memory. Used by tests across packages.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Record appends event.
func (m *MemorySink) Record(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
