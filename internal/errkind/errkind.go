// Package errkind classifies errors produced anywhere in probecore into the
// taxonomy of layers a caller needs to distinguish: transport, probe, DAP,
// architecture, flash, RTT and permissions. It builds on juju/errors the way
// mos/flash's probe and flash code already does (errors.Trace/Annotatef),
// adding a lightweight tag instead of a new error type hierarchy.
package errkind

import (
	"github.com/juju/errors"
)

// Kind identifies which layer an error originated in, per the error taxonomy.
type Kind int

const (
	Unknown Kind = iota
	Transport
	ProbeProtocol
	Dap
	Architecture
	Flash
	Rtt
	Permissions
	ReattachRequired
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case ProbeProtocol:
		return "probe"
	case Dap:
		return "dap"
	case Architecture:
		return "architecture"
	case Flash:
		return "flash"
	case Rtt:
		return "rtt"
	case Permissions:
		return "permissions"
	case ReattachRequired:
		return "reattach-required"
	default:
		return "unknown"
	}
}

// tagged wraps an error with a Kind and the concrete operation that failed,
// so the error carries enough context to distinguish layer and operation
// without the caller parsing message text.
type tagged struct {
	kind Kind
	op   string
	err  error
}

func (t *tagged) Error() string {
	if t.op != "" {
		return t.kind.String() + ": " + t.op + ": " + t.err.Error()
	}
	return t.kind.String() + ": " + t.err.Error()
}

func (t *tagged) Cause() error { return t.err }

func (t *tagged) Unwrap() error { return t.err }

// Tag annotates err with a Kind and the operation that was being attempted.
// The original error (and its juju/errors trace) is preserved via Cause/Unwrap.
func Tag(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &tagged{kind: kind, op: op, err: errors.Trace(err)}
}

// Kindf is a convenience that formats op like errors.Errorf and tags it.
func Kindf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Tag(kind, errors.Errorf(format, args...).Error(), err)
}

// Of returns the Kind attached to err, or Unknown if none was attached
// anywhere in its cause chain.
func Of(err error) Kind {
	for err != nil {
		if t, ok := err.(*tagged); ok {
			return t.kind
		}
		if u, ok := err.(interface{ Underlying() error }); ok && u.Underlying() != nil {
			err = u.Underlying()
			continue
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	return Unknown
}

// Timeout and NotImplemented mirror the juju/errors sentinel constructors
// (errors.Timeoutf, errors.NotImplementedf) so callers can keep using
// errors.IsTimeout(err) etc. after a Tag() wrap, since Cause() unwraps to the
// original sentinel.
func Timeout(format string, args ...interface{}) error {
	return errors.Timeoutf(format, args...)
}

func NotImplemented(format string, args ...interface{}) error {
	return errors.NotImplementedf(format, args...)
}

func MissingPermission(name string) error {
	return Tag(Permissions, "", errors.Errorf("operation requires permission %q which was not granted", name))
}

func ReattachRequiredErr(reason string) error {
	return Tag(ReattachRequired, "", errors.Errorf("%s; close and reopen the session", reason))
}
