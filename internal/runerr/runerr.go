// Package runerr classifies the failures a run can end with.
//
// Every error that crosses a component boundary is tagged with a Kind so the
// scheduler can apply its policy (reads are fatal, writes may be suppressed,
// partition failures are always fatal) without inspecting messages.
package runerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind is the failure class of a run error.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were never classified.
	KindUnknown Kind = iota
	// KindRead covers failed or invalid page reads.
	KindRead
	// KindWrite covers rejected batches and failed items.
	KindWrite
	// KindValidation covers configuration problems detected before any I/O.
	KindValidation
	// KindParse covers malformed payloads. The phase decides whether the run
	// treats it like a read or a write.
	KindParse
	// KindPartition covers partitions that failed to flush or upload.
	KindPartition
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindValidation:
		return "validation"
	case KindParse:
		return "parse"
	case KindPartition:
		return "partition"
	default:
		return "unknown"
	}
}

// Error is a classified run error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "scroll continue" or "bulk".
	Op string
	// Phase is KindRead or KindWrite for parse errors.
	Phase Kind
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return errors.WithStack(&Error{Kind: kind, Op: op, Err: err})
}

// Read tags err as a read failure.
func Read(err error, op string) error { return newError(KindRead, op, err) }

// Write tags err as a write failure.
func Write(err error, op string) error { return newError(KindWrite, op, err) }

// Partition tags err as a partition failure.
func Partition(err error, op string) error { return newError(KindPartition, op, err) }

// Validation tags err as a configuration failure and attaches a hint for the user.
func Validation(err error, hint string) error {
	wrapped := newError(KindValidation, "", err)
	if hint != "" {
		wrapped = errors.WithHint(wrapped, hint)
	}
	return wrapped
}

// Parse tags err as a malformed payload detected during the given phase.
func Parse(err error, op string, phase Kind) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return errors.WithStack(&Error{Kind: KindParse, Op: op, Phase: phase, Err: err})
}

// Readf builds a new read failure from a format string.
func Readf(op, format string, args ...interface{}) error {
	return Read(errors.Newf(format, args...), op)
}

// Writef builds a new write failure from a format string.
func Writef(op, format string, args ...interface{}) error {
	return Write(errors.Newf(format, args...), op)
}

// KindOf reports the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Effective resolves parse errors to the phase they happened in, so callers can
// apply the read or write policy to them.
func Effective(err error) Kind {
	var re *Error
	if !errors.As(err, &re) {
		return KindUnknown
	}
	if re.Kind == KindParse && re.Phase != KindUnknown {
		return re.Phase
	}
	return re.Kind
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var re *Error
		if !errors.As(err, &re) {
			return false
		}
		if re.Kind == kind {
			return true
		}
		err = re.Err
	}
	return false
}

// Hints returns the user-facing hints attached to err.
func Hints(err error) []string {
	return errors.GetAllHints(err)
}
