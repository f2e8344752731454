// Package joberr classifies job failures so the ledger can record a stable
// error_kind next to the human readable error_detail.
package joberr

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category persisted as error_kind.
type Kind string

const (
	KindInternal       Kind = "internal"
	KindUnknownKind    Kind = "unknown_kind"
	KindValidation     Kind = "validation"
	KindProcessExit    Kind = "process_exit"
	KindProcessTimeout Kind = "process_timeout"
	KindResultParse    Kind = "result_parse"
	KindLedgerConflict Kind = "ledger_conflict"
	KindOrphaned       Kind = "orphaned"
	KindCancelled      Kind = "cancelled"
)

// Error carries a Kind plus the underlying error.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Detail is the message stored in error_detail, without the kind prefix.
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.err == nil {
		return string(e.Kind)
	}
	return e.err.Error()
}

// New wraps err with kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: err}
}

// Newf formats a message and wraps it with kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal when
// the error was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.err
	}
	return false
}

// DetailOf returns the message to persist for err.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	return err.Error()
}
