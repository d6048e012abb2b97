// Package xerrors implements the five-class error taxonomy of spec.md §7.
// Every class is fatal: there is no local recovery path, because BSPlib
// semantics require collective state to stay consistent across every
// process and a single process cannot restore that on its own.
package xerrors

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Class identifies which of the five fatal error categories an Error
// belongs to.
type Class int

const (
	Init Class = iota
	OutOfMemory
	RegistrationViolation
	UserAbort
	InternalInvariant
)

func (c Class) String() string {
	switch c {
	case Init:
		return "Init"
	case OutOfMemory:
		return "OutOfMemory"
	case RegistrationViolation:
		return "RegistrationViolation"
	case UserAbort:
		return "UserAbort"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// ExitCode maps a class to the distinct nonzero process exit code spec.md
// §6 requires ("init failure, OOM, and unmatched pop_reg map to distinct
// nonzero codes").
func (c Class) ExitCode() int {
	switch c {
	case Init:
		return 1
	case OutOfMemory:
		return 2
	case RegistrationViolation:
		return 3
	case UserAbort:
		return 4
	case InternalInvariant:
		return 5
	default:
		return 127
	}
}

// Error is a fatal, classified error carrying the function and source
// location it was raised from, for the single stderr line spec.md §7
// mandates ("naming the function, source location, and taxonomy class").
type Error struct {
	Class Class
	Func  string
	File  string
	Line  int
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s in %s (%s:%d): %v", e.Class, e.Func, e.File, e.Line, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(class Class, cause error) *Error {
	pc, file, line, _ := runtime.Caller(2)
	fn := runtime.FuncForPC(pc)
	name := "?"
	if fn != nil {
		name = fn.Name()
	}
	return &Error{Class: class, Func: name, File: file, Line: line, cause: errors.WithStack(cause)}
}

func NewInit(cause error) *Error                   { return newError(Init, cause) }
func NewOutOfMemory(cause error) *Error             { return newError(OutOfMemory, cause) }
func NewRegistrationViolation(cause error) *Error   { return newError(RegistrationViolation, cause) }
func NewUserAbort(cause error) *Error               { return newError(UserAbort, cause) }
func NewInternalInvariant(cause error) *Error       { return newError(InternalInvariant, cause) }

// Wrapf builds a cause with context, the way the teacher wraps internal
// errors with github.com/pkg/errors before classifying them.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// As extracts *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
