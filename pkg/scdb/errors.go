package scdb

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers identify the kind of a returned *Error
// with errors.Is against these, e.g. errors.Is(err, scdb.ErrNotFound).
var (
	ErrFormat           = errors.New("scdb: format error")
	ErrAuth             = errors.New("scdb: authentication failed")
	ErrNotFound         = errors.New("scdb: not found")
	ErrConflict         = errors.New("scdb: conflict")
	ErrTimeout          = errors.New("scdb: timeout")
	ErrCancelled        = errors.New("scdb: cancelled")
	ErrCorruption       = errors.New("scdb: corruption")
	ErrIO               = errors.New("scdb: io error")
	ErrCapacityExceeded = errors.New("scdb: capacity exceeded")
	ErrClosed           = errors.New("scdb: database closed")
)

// Severity classifies a Corruption finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeveritySevere
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarn:
		return "Warn"
	case SeveritySevere:
		return "Severe"
	case SeverityFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the structured error type returned by every public SCDB
// operation; nothing in the engine panics across the API. It carries
// enough context — block name, byte offset, validation-report id, and a
// human-readable recovery suggestion — for a caller to act without
// parsing a message string.
//
// Construction goes through wrap, a nil-safe functional-options
// builder that never double-wraps an existing *Error.
type Error struct {
	cause      error
	severity   Severity
	blockName  string
	hasOffset  bool
	offset     int64
	reportID   string
	suggestion string
}

type errOpt func(*Error)

func withSeverity(s Severity) errOpt { return func(e *Error) { e.severity = s } }
func withBlock(name string) errOpt   { return func(e *Error) { e.blockName = name } }
func withOffset(off int64) errOpt {
	return func(e *Error) {
		e.offset = off
		e.hasOffset = true
	}
}
func withReportID(id string) errOpt     { return func(e *Error) { e.reportID = id } }
func withSuggestion(s string) errOpt    { return func(e *Error) { e.suggestion = s } }

// wrap builds an *Error around cause, applying opts. If cause is already
// an *Error, its fields are inherited and opts are layered on top rather
// than double-wrapping.
func wrap(cause error, opts ...errOpt) *Error {
	if cause == nil {
		return nil
	}

	e := &Error{cause: cause}
	if inner, ok := cause.(*Error); ok {
		e.cause = inner.cause
		e.severity = inner.severity
		e.blockName = inner.blockName
		e.hasOffset = inner.hasOffset
		e.offset = inner.offset
		e.reportID = inner.reportID
		e.suggestion = inner.suggestion
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Error) Error() string {
	msg := e.cause.Error()
	if e.blockName != "" {
		msg = fmt.Sprintf("%s (block=%q)", msg, e.blockName)
	}
	if e.hasOffset {
		msg = fmt.Sprintf("%s (offset=%d)", msg, e.offset)
	}
	if e.reportID != "" {
		msg = fmt.Sprintf("%s (report=%s)", msg, e.reportID)
	}
	if e.suggestion != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.suggestion)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Severity returns the corruption severity carried by this error. It is
// only meaningful when errors.Is(err, ErrCorruption) is true.
func (e *Error) Severity() Severity { return e.severity }

// BlockName returns the logical block name this error refers to, if any.
func (e *Error) BlockName() string { return e.blockName }

// Offset returns the byte offset this error refers to, if known.
func (e *Error) Offset() (int64, bool) { return e.offset, e.hasOffset }

// ReportID returns the validation-report id this error refers to, if any.
func (e *Error) ReportID() string { return e.reportID }

// Suggestion returns a human-readable recovery suggestion, if any.
func (e *Error) Suggestion() string { return e.suggestion }

func newCorruption(severity Severity, blockName string, suggestion string) *Error {
	return wrap(ErrCorruption, withSeverity(severity), withBlock(blockName), withSuggestion(suggestion))
}
