// Package tsdberrors classifies engine failures into the small set of
// categories the HTTP layer and callers need to react to.
package tsdberrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the five error categories the engine can report.
type Kind int

const (
	// Internal covers lock poisoning and invariant violations.
	Internal Kind = iota
	// Validation covers malformed input: empty series keys, tag caps,
	// NaN values on insert.
	Validation
	// NotFound covers update/query/delete against a series that
	// exists nowhere.
	NotFound
	// Io covers filesystem failures during flush, compaction or mmap.
	Io
	// Corruption covers SSTable footer mismatches and codec decode
	// failures that indicate the bytes on disk are not what this
	// engine wrote.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Io:
		return "io"
	case Corruption:
		return "corruption"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// category without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: Validation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: NotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, defaulting to Internal for errors
// that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind onto the status code the HTTP envelope reports.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Io, Corruption, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var (
	// ErrTruncated is returned by the codec when a bit stream ends
	// before the declared sample count is reached.
	ErrTruncated = errors.New("tsdb: truncated stream")
	// ErrEmptyInput is returned by the codec when asked to encode zero
	// samples.
	ErrEmptyInput = errors.New("tsdb: empty input")
)
