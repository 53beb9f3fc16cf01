// Package errkind is the error taxonomy shared by every component. An
// *Error carries a Kind so callers can branch with errors.Is(err, Kind)
// without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidAgent          Kind = "invalid_agent"
	PathTraversal         Kind = "path_traversal"
	InvalidInput          Kind = "invalid_input"
	IOError               Kind = "io_error"
	RotationFailed        Kind = "rotation_failed"
	CorruptArchive        Kind = "corrupt_archive"
	InsufficientResources Kind = "insufficient_resources"
	CommandNotAllowed     Kind = "command_not_allowed"
	Conflict              Kind = "conflict"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// Security reports whether failures of this kind are security-classified:
// never retried and always recorded as security events.
func (k Kind) Security() bool {
	switch k {
	case InvalidAgent, PathTraversal, InvalidInput, CommandNotAllowed:
		return true
	}
	return false
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a target Kind, or another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New returns an *Error of kind k for op with a formatted cause.
func New(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain,
// or "" if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
