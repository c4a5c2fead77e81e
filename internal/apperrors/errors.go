// Package apperrors defines the error taxonomy shared by the orchestrator,
// its collaborators and the HTTP layer.
package apperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindNameSpaceExhausted Kind = "namespace_exhausted"
	KindIntegrity          Kind = "integrity_violation"
	KindExternal           Kind = "external_dependency"
	KindTimeout            Kind = "timeout"
	KindInvalidTransition  Kind = "invalid_transition"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
)

var (
	ErrAdminRecordNotFound = errors.New("admin record not found")
	ErrAlreadyExists       = errors.New("already exists")
)

type Error struct {
	Kind  Kind
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		if e.Msg == "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(field, msg string) error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

func Exhausted(op, msg string) error {
	return &Error{Kind: KindResourceExhausted, Op: op, Msg: msg}
}

func NameSpaceExhausted(op, msg string) error {
	return &Error{Kind: KindNameSpaceExhausted, Op: op, Msg: msg}
}

func Integrity(op, msg string) error {
	return &Error{Kind: KindIntegrity, Op: op, Msg: msg}
}

// IntegrityErr is Integrity with an underlying cause. Retrying does not
// help; an operator has to look.
func IntegrityErr(op string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: err}
}

func External(op string, err error) error {
	return &Error{Kind: KindExternal, Op: op, Err: err}
}

func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "timed out", Err: err}
}

func InvalidTransition(from, event string) error {
	return &Error{Kind: KindInvalidTransition, Op: event, Msg: fmt.Sprintf("not allowed from state %q", from)}
}

func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// Conflict reports a uniqueness or compare-and-set violation on field.
func Conflict(field string, err error) error {
	return &Error{Kind: KindConflict, Field: field, Msg: "conflict", Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries kind. Timeouts also count as external
// dependency failures and namespace exhaustion as resource exhaustion.
func Is(err error, kind Kind) bool {
	k := KindOf(err)
	switch {
	case k == kind:
		return true
	case kind == KindExternal && k == KindTimeout:
		return true
	case kind == KindResourceExhausted && k == KindNameSpaceExhausted:
		return true
	}
	return false
}

func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
