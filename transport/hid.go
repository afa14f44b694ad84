//go:build !no_libudev

package transport

import (
	"time"

	"github.com/cesanta/hid"
	"github.com/juju/errors"
)

// HID is a fixed-size-report transport. Writes are always padded to the
// report size and the first byte is the report ID, which must be 0, per
// Ported from the framing cmsis_dap_client.go performs
// around cesanta/hid's Device (newCmd prefixes a 0 report-id byte; exec
// reads from d.ReadCh()).
type HID struct {
	dev        hid.Device
	reportSize int
}

// OpenHID opens a HID device with the given VID/PID (first match).
func OpenHID(vid, pid uint16) (*HID, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for _, di := range devs {
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		return &HID{dev: d, reportSize: 64}, nil
	}
	return nil, errors.NotFoundf("HID device %04x:%04x", vid, pid)
}

func (h *HID) SetPacketSize(n int) { h.reportSize = n }

func (h *HID) Write(buf []byte, timeout time.Duration) (int, error) {
	padded := make([]byte, 1+h.reportSize)
	padded[0] = 0 // report ID, unused
	n := copy(padded[1:], buf)
	if n < len(buf) {
		return 0, errors.Errorf("report too long (max %d, got %d)", h.reportSize, len(buf))
	}
	if err := h.dev.Write(padded); err != nil {
		return 0, errors.Annotatef(err, "HID write failed")
	}
	return len(buf), nil
}

func (h *HID) Read(buf []byte, timeout time.Duration) (int, error) {
	t := time.NewTimer(timeoutOrForever(timeout))
	defer t.Stop()
	select {
	case <-t.C:
		return 0, timeoutErr("HID read")
	case resp, ok := <-h.dev.ReadCh():
		if !ok {
			return 0, errors.Annotatef(h.dev.ReadError(), "HID read failed")
		}
		n := copy(buf, resp)
		return n, nil
	}
}

func (h *HID) Drain() error {
	for {
		select {
		case _, ok := <-h.dev.ReadCh():
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (h *HID) Close() error {
	h.dev.Close()
	return nil
}

func timeoutOrForever(d time.Duration) time.Duration {
	if d <= 0 {
		return 365 * 24 * time.Hour
	}
	return d
}
