// Package merr implements a chainable error type with severity and an
// optional inner cause. Because this daemon runs two independent
// loggers (parent and child) rather than one process-global sink, the
// sink is passed explicitly to Log rather than baked in.
package merr

import (
	"strings"

	"github.com/m46e/m46ed/internal/mlog"
)

// Error is a chainable error carrying an optional inner cause and a
// severity used only to pick the log level at the call site.
type Error struct {
	message  string
	inner    error
	severity mlog.Severity
}

// New constructs an Error at SeverityInfo; call .AtWarning()/.AtError()
// to raise it, and .Base(err) to chain an inner cause.
func New(message string) *Error {
	return &Error{message: message, severity: mlog.SeverityInfo}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.inner }

// Base chains an inner cause and returns the receiver for fluent use.
func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

func (e *Error) AtWarning() *Error {
	e.severity = mlog.SeverityWarning
	return e
}

func (e *Error) AtError() *Error {
	e.severity = mlog.SeverityError
	return e
}

func (e *Error) AtDebug() *Error {
	e.severity = mlog.SeverityDebug
	return e
}

func (e *Error) Severity() mlog.Severity { return e.severity }

// Log writes the error to the given sink at its configured severity.
func (e *Error) Log(l *mlog.Logger) {
	switch e.severity {
	case mlog.SeverityError:
		l.Error(e.Error())
	case mlog.SeverityWarning:
		l.Warning(e.Error())
	case mlog.SeverityDebug:
		l.Debug(e.Error())
	default:
		l.Info(e.Error())
	}
}

// IgnorableNetlinkError reports whether errno is one of the two benign
// conditions: EEXIST on add, ESRCH on delete. Callers that already
// know which operation ran should just compare the errno directly;
// this helper is for call sites that handle both add and delete
// uniformly.
func IgnorableNetlinkError(err error, isDelete bool) bool {
	return isIgnorable(err, isDelete)
}
