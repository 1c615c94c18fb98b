package linker

import (
	"fmt"
	"runtime"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type ErrorKind uint8

const (
	ErrInternal ErrorKind = iota
	ErrIO
	ErrMalformedInput
	ErrUnsupported
	ErrArchConflict
	ErrMultipleDefinition
	ErrTLSMismatch
	ErrUndefined
	ErrOverflow
	ErrLayout
)

var errorKindNames = [...]string{
	ErrInternal:           "internal error",
	ErrIO:                 "i/o error",
	ErrMalformedInput:     "malformed input",
	ErrUnsupported:        "unsupported",
	ErrArchConflict:       "architecture conflict",
	ErrMultipleDefinition: "multiple definition",
	ErrTLSMismatch:        "TLS mismatch",
	ErrUndefined:          "undefined symbol",
	ErrOverflow:           "relocation overflow",
	ErrLayout:             "layout error",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Error is a fatal link diagnostic. Link returns it after unwinding the
// pipeline.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a link error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind == kind
	}
	return false
}

// ArchConflict is raised when an input's machine does not match the
// architecture the link started with. Link restarts once with Arch.
type ArchConflict struct {
	Arch Arch
	File string
}

func (e *ArchConflict) Error() string {
	return fmt.Sprintf("%s: incompatible architecture %s", e.File, e.Arch.Name())
}

func (ctx *Context) Fatalf(kind ErrorKind, format string, args ...any) {
	panic(&Error{Kind: kind, Err: errors.Errorf(format, args...)})
}

func (ctx *Context) Fatal(kind ErrorKind, err error) {
	panic(&Error{Kind: kind, Err: err})
}

func (ctx *Context) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	level.Warn(ctx.Logger).Log("msg", msg)
	ctx.warnings = multierror.Append(ctx.warnings, errors.New(msg))
}

// Warnings returns every warning reported so far, or nil.
func (ctx *Context) Warnings() error {
	return ctx.warnings.ErrorOrNil()
}

func (ctx *Context) debug(keyvals ...any) {
	level.Debug(ctx.Logger).Log(keyvals...)
}

// recoverError converts a pipeline panic into an error. Runtime faults are
// bugs and are re-raised.
func recoverError(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	switch e := r.(type) {
	case runtime.Error:
		panic(e)
	case *Error:
		*errp = e
	case *ArchConflict:
		*errp = e
	case error:
		*errp = &Error{Kind: ErrInternal, Err: e}
	default:
		*errp = &Error{Kind: ErrInternal, Err: errors.Errorf("%v", r)}
	}
}
