// Package multierror bundles multiple errors behind the error interface.
// Ported from mos's common/multierror, used by session.Close so a detach
// failure doesn't hide a failure to close the probe.
package multierror

import (
	"bytes"
	"fmt"
)

// Error bundles multiple errors and make them obey the error interface.
type Error struct {
	errs []error
}

func (e *Error) Error() string {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%d error(s) occurred:", len(e.errs))
	for _, err := range e.errs {
		fmt.Fprintf(buf, "\n%s", err)
	}
	return buf.String()
}

// Errors returns the individual errors bundled so far.
func (e *Error) Errors() []error { return e.errs }

// Append creates a new multierror.Error or appends to an existing one.
// err can be nil, or can be a non-multierror error.
func Append(err error, errs ...error) error {
	if err == nil {
		return &Error{errs}
	}
	switch err := err.(type) {
	case *Error:
		err.errs = append(err.errs, errs...)
		return err
	default:
		return &Error{append([]error{err}, errs...)}
	}
}
