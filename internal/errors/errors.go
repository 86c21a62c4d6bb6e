// Package errors carries the failure taxonomy shared by the
// engine: peer-local failures (Protocol) are absorbed by the
// swarm layer, while InvalidInput, NotFound, IO, Verification
// and Cancelled cross the engine boundary.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op identifies the operation in which an error occurred,
// e.g. "store.WriteBlock".
type Op string

func (op Op) String() string {
	return string(op)
}

type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	IO
	Network
	Protocol
	Verification
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case NotFound:
		return "not found"
	case IO:
		return "io error"
	case Network:
		return "network error"
	case Protocol:
		return "peer protocol error"
	case Verification:
		return "verification failure"
	case Cancelled:
		return "cancelled"
	default:
		return "internal error"
	}
}

type Error struct {
	err  error
	op   Op
	kind Kind
}

func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %s", e.op, e.err)
	}

	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Wrap annotates err with any combination of an Op and a
// Kind. Without an explicit Kind the wrapped error's Kind
// carries through.
func Wrap(err error, args ...interface{}) error {
	e := &Error{err: err, kind: KindOf(err)}

	for _, arg := range args {
		switch v := arg.(type) {
		case Op:
			e.op = v
		case Kind:
			e.kind = v
		}
	}

	return e
}

func New(msg string, args ...interface{}) error {
	return Wrap(errors.New(msg), args...)
}

func Newf(format string, args ...interface{}) error {
	return errors.New(fmt.Sprintf(format, args...))
}

// KindOf reports the Kind of err, unwrapping as needed.
// Errors that do not carry a Kind are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}

	return Internal
}

// Is reports whether err carries the given Kind.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}

	return KindOf(err) == kind
}

// Ops returns the operation trace of err, outermost first.
func Ops(err error) []string {
	var out []string

	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}

		if e.op != "" {
			out = append(out, string(e.op))
		}

		err = e.err
	}

	return out
}

// Trace renders the operation trace as a single string.
func Trace(err error) string {
	return strings.Join(Ops(err), ": ")
}
