package pktio

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a high-level error category of the packet I/O core.
type Code string

const (
	// CodeBadParams reports a size, mode, alignment or feature bit the
	// core or the bound driver does not support.
	CodeBadParams Code = "bad parameters"

	// CodeWrongState reports an operation that is not valid in the
	// device's current state.
	CodeWrongState Code = "wrong state"

	// CodeInUse reports a name that is already bound.
	CodeInUse Code = "in use"

	// CodeResources reports slot, buffer or memory exhaustion.
	CodeResources Code = "out of resources"

	// CodeTransport reports a driver I/O error, surfaced verbatim.
	CodeTransport Code = "transport error"

	// CodeNotSupported reports an optional capability the bound driver
	// does not offer.
	CodeNotSupported Code = "not supported"
)

// Error is a structured packet I/O error with operation context.
type Error struct {
	Op     string        // operation that failed, e.g. "open", "start"
	Handle Handle        // device handle (Invalid if not applicable)
	Queue  int           // queue index (-1 if not applicable)
	Code   Code          // high-level category
	Errno  syscall.Errno // kernel errno (0 if not applicable)
	Msg    string        // human-readable detail
	Inner  error         // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Handle != Invalid && e.Queue >= 0:
		return fmt.Sprintf("pktio: %s (op=%s dev=%d queue=%d)", msg, e.Op, e.Handle, e.Queue)
	case e.Handle != Invalid:
		return fmt.Sprintf("pktio: %s (op=%s dev=%d)", msg, e.Op, e.Handle)
	case e.Op != "":
		return fmt.Sprintf("pktio: %s (op=%s)", msg, e.Op)
	}
	return "pktio: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is matches errors by category.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	return false
}

// Error lets a bare Code act as a match target for errors.Is.
func (c Code) Error() string { return string(c) }

func newErr(op string, code Code, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

func devErr(op string, h Handle, code Code, msg string) *Error {
	return &Error{Op: op, Handle: h, Queue: -1, Code: code, Msg: msg}
}

func queueErr(op string, h Handle, queue int, code Code, msg string) *Error {
	return &Error{Op: op, Handle: h, Queue: queue, Code: code, Msg: msg}
}

// wrapDrvErr surfaces a driver error verbatim under CodeTransport, mapping
// kernel errnos the socket drivers bubble up.
func wrapDrvErr(op string, h Handle, inner error) *Error {
	if inner == nil {
		return nil
	}
	var de *Error
	if errors.As(inner, &de) {
		return &Error{Op: op, Handle: h, Queue: de.Queue, Code: de.Code,
			Errno: de.Errno, Msg: de.Msg, Inner: de.Inner}
	}
	e := &Error{Op: op, Handle: h, Queue: -1, Code: CodeTransport,
		Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Code = codeFromErrno(errno)
	}
	return e
}

func codeFromErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return CodeBadParams
	case syscall.EBUSY, syscall.EEXIST:
		return CodeInUse
	case syscall.ENOMEM, syscall.ENOSPC, syscall.ENOBUFS:
		return CodeResources
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotSupported
	default:
		return CodeTransport
	}
}

// IsCode reports whether err carries the given category.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
