//go:build no_libudev

package transport

import (
	"time"

	"github.com/juju/errors"
	"github.com/google/gousb"
)

// Stub HID/USB implementations for builds without libudev/libusb, mirroring
// mos/flash/common/cmsis-dap/dap/cmsis_dap_client_dummy.go.

type HID struct{}

func OpenHID(vid, pid uint16) (*HID, error) {
	return nil, errors.Errorf("HID transport not supported in this build")
}

func (h *HID) SetPacketSize(int)                                 {}
func (h *HID) Write(buf []byte, timeout time.Duration) (int, error) { return 0, errors.Errorf("not supported") }
func (h *HID) Read(buf []byte, timeout time.Duration) (int, error)  { return 0, errors.Errorf("not supported") }
func (h *HID) Drain() error                                       { return nil }
func (h *HID) Close() error                                       { return nil }

type USB struct{}

func OpenUSBDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	return nil, nil, errors.Errorf("USB transport not supported in this build")
}

func OpenUSB(vid, pid gousb.ID, serial string, cfgNum, intfNum, epIn, epOut int) (*USB, error) {
	return nil, errors.Errorf("USB transport not supported in this build")
}

func (u *USB) SetPacketSize(int)                                 {}
func (u *USB) Write(buf []byte, timeout time.Duration) (int, error) { return 0, errors.Errorf("not supported") }
func (u *USB) Read(buf []byte, timeout time.Duration) (int, error)  { return 0, errors.Errorf("not supported") }
func (u *USB) Drain() error                                       { return nil }
func (u *USB) Close() error                                       { return nil }
