// Package corvid is the public façade: Machine wires the scheduler, device
// table, and network daemons together into one bootable simulated machine,
// and Error is the error type every exported operation returns.
package corvid

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Code classifies an Error the way the kernel's own call-return convention
// distinguishes OK/SYSERR/TIMEOUT/EOF: every blocking or fallible operation
// maps its failure onto one of these before it crosses the package boundary.
type Code string

const (
	CodeSysErr       Code = "sys_error"       // SYSERR: the general-purpose failure
	CodeTimeout      Code = "timeout"         // TIMEOUT: a bounded wait expired
	CodeEOF          Code = "eof"             // EOF: a stream ended cleanly
	CodeInvalidArgs  Code = "invalid_args"
	CodeNotFound     Code = "not_found"
	CodeBusy         Code = "busy"
	CodeNotSupported Code = "not_supported"
	CodePermission   Code = "permission_denied"
	CodeResourceGone Code = "resource_exhausted"
	CodeIO           Code = "io_error"
)

// Error is the structured error every exported kernel/network operation
// returns, carrying enough context to log or test against without parsing a
// message string.
type Error struct {
	Op     string // operation name, e.g. "arp.lookup", "udp.read"
	Device string // device name or interface name, if applicable
	Code   Code
	Errno  unix.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("corvid: %s(%s): %s: %s", e.Op, e.Device, e.Code, e.Msg)
	}
	return fmt.Sprintf("corvid: %s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is(err, target) where target is itself an *Error with
// only Code set — the common case of checking "is this a timeout".
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// NewError builds a bare operation error.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError builds an error scoped to a named device or interface.
func NewDeviceError(op, device string, code Code, msg string) *Error {
	return &Error{Op: op, Device: device, Code: code, Msg: msg}
}

// WrapError re-wraps inner as an *Error: if inner already is one it is
// returned unchanged, if it is a unix.Errno it is mapped through
// mapErrnoToCode, otherwise it is wrapped generically as CodeIO.
func WrapError(op string, inner error) *Error {
	var existing *Error
	if errors.As(inner, &existing) {
		return existing
	}
	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIO, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno unix.Errno) Code {
	switch errno {
	case unix.ENOENT:
		return CodeNotFound
	case unix.EBUSY:
		return CodeBusy
	case unix.EINVAL, unix.E2BIG:
		return CodeInvalidArgs
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return CodeNotSupported
	case unix.EPERM, unix.EACCES:
		return CodePermission
	case unix.ENOMEM, unix.ENOSPC:
		return CodeResourceGone
	case unix.ETIMEDOUT:
		return CodeTimeout
	default:
		return CodeIO
	}
}

// IsCode reports whether err is an *Error (anywhere in its chain) with the
// given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
