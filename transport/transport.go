// Package transport implements the narrow waist at the probe boundary:
// abstract bidirectional byte/packet channels to a probe over USB bulk, HID
// or a raw serial byte stream. Concrete shapes are ported
// from mos/flash/common/usb.go (gousb bulk enumeration),
// mos/flash/common/cmsis-dap/dap/cmsis_dap_client.go (cesanta/hid framing)
// and mos/flash/common/slip.go (serial byte-stream framing).
package transport

import (
	"time"

	"github.com/juju/errors"
)

// Transport is the abstract channel a Probe driver speaks over.
type Transport interface {
	// Read reads into buf, blocking up to timeout. A timeout fails with
	// errors.IsTimeout(err), never a short read.
	Read(buf []byte, timeout time.Duration) (int, error)
	// Write writes buf, blocking up to timeout.
	Write(buf []byte, timeout time.Duration) (int, error)
	// Drain discards any bytes the probe has queued, silently; used after
	// re-attach to resync command/response framing.
	Drain() error
	// SetPacketSize informs the transport of a negotiated maximum
	// transfer size.
	SetPacketSize(n int)
	// Close releases the underlying device.
	Close() error
}

// timeoutErr builds the error Read/Write return on a timeout;
// errors.IsTimeout reports true for it, so a timeout is never a short read.
func timeoutErr(op string) error {
	return errors.Timeoutf("%s", op)
}
