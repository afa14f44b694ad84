//go:build !no_libudev

package transport

import (
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// USB is a bulk IN/OUT endpoint pair transport. Writes larger than the
// negotiated packet size are split on endpoint boundaries. Device
// selection is ported from mos/flash/common/usb.go's
// OpenUSBDevice, generalized from a one-shot lookup-and-return into a
// long-lived Transport.
type USB struct {
	ctx        *gousb.Context
	dev        *gousb.Device
	cfg        *gousb.Config
	intf       *gousb.Interface
	in         *gousb.InEndpoint
	out        *gousb.OutEndpoint
	packetSize int
}

// OpenUSBDevice opens a USB device with the specified VID, PID and
// (optionally) serial number, exactly as mos/flash/common/usb.go's
// OpenUSBDevice: if serial is empty it is not checked, and if multiple
// devices match, one of them is returned (with the rest closed).
func OpenUSBDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := dd.Vendor == vid && dd.Product == pid
		glog.V(1).Infof("dev %+v", dd)
		return result
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		glog.V(1).Infof("dev %+v sn %q", dev, sn)
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}
	if res == nil {
		sp := ""
		if serial != "" {
			sp = "/"
		}
		uctx.Close()
		return nil, nil, errors.Errorf("no device matching %s:%s%s%s found", vid, pid, sp, serial)
	}
	return uctx, res, nil
}

// OpenUSB opens the given config/interface/endpoint numbers on a USB device
// matching vid/pid/serial and wraps them as a Transport.
func OpenUSB(vid, pid gousb.ID, serial string, cfgNum, intfNum, epIn, epOut int) (*USB, error) {
	uctx, dev, err := OpenUSBDevice(vid, pid, serial)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to select config %d", cfgNum)
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface %d", intfNum)
	}
	in, err := intf.InEndpoint(epIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open IN endpoint %d", epIn)
	}
	out, err := intf.OutEndpoint(epOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open OUT endpoint %d", epOut)
	}
	return &USB{ctx: uctx, dev: dev, cfg: cfg, intf: intf, in: in, out: out, packetSize: 64}, nil
}

func (u *USB) SetPacketSize(n int) { u.packetSize = n }

func (u *USB) Read(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	n, err := u.in.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return n, timeoutErr("USB read")
		}
		return n, errors.Annotatef(err, "USB read failed")
	}
	return n, nil
}

func (u *USB) Write(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := withTimeout(timeout)
	defer cancel()
	total := 0
	for total < len(buf) {
		end := total + u.packetSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := u.out.WriteContext(ctx, buf[total:end])
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, timeoutErr("USB write")
			}
			return total, errors.Annotatef(err, "USB write failed")
		}
	}
	return total, nil
}

func (u *USB) Drain() error {
	// Best-effort: read and discard whatever is immediately available.
	buf := make([]byte, u.packetSize)
	for {
		ctx, cancel := withTimeout(10 * time.Millisecond)
		_, err := u.in.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			return nil
		}
	}
}

func (u *USB) Close() error {
	u.intf.Close()
	u.cfg.Close()
	u.dev.Close()
	u.ctx.Close()
	return nil
}
