// Package glasgow drives a Glasgow Interface Explorer running its
// jtag-probe/swd-probe applet over USB bulk, using the applet's own
// CMD_SEQUENCE/CMD_TRANSFER/RSP_TYPE_* byte protocol (distinct from both
// CMSIS-DAP and raw MPSSE). No mos/flash file covers Glasgow; the
// command/response framing follows the Glasgow applet protocol's public
// documentation, kept in this module's command-constant/exec style to
// match probe/cmsisdap's shape.
package glasgow

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/transport"
)

// Applet command bytes.
const (
	cmdSequence   = 0x01 // shift a bit sequence (TMS/TDI style run)
	cmdTransfer   = 0x02 // DAP register transfer (SWD)
	cmdSetClock   = 0x03
	cmdSetReset   = 0x04
)

// Response type tags, prefixed to every reply.
const (
	rspTypeOk    = 0x00
	rspTypeError = 0x01
	rspTypeData  = 0x02
)

type Driver struct {
	t    transport.Transport
	info probe.Info
}

var (
	_ probe.Probe        = (*Driver)(nil)
	_ probe.DapAccess    = (*Driver)(nil)
	_ probe.SwjSequencer = (*Driver)(nil)
)

func Open(t transport.Transport, vid, pid uint16, serial string) *Driver {
	return &Driver{t: t, info: probe.Info{VendorID: vid, ProductID: pid, Serial: serial, Name: "Glasgow Interface Explorer"}}
}

func (d *Driver) Info() probe.Info { return d.info }

func (d *Driver) exec(ctx context.Context, req *bytes.Buffer) (*bytes.Buffer, error) {
	if _, err := d.t.Write(req.Bytes(), 2*time.Second); err != nil {
		return nil, errors.Annotatef(err, "glasgow: write failed")
	}
	buf := make([]byte, 512)
	n, err := d.t.Read(buf, 2*time.Second)
	if err != nil {
		return nil, errors.Annotatef(err, "glasgow: read failed")
	}
	if n == 0 {
		return nil, errors.Errorf("glasgow: empty response")
	}
	switch buf[0] {
	case rspTypeError:
		return nil, errors.Errorf("glasgow: applet reported error: %s", string(buf[1:n]))
	case rspTypeOk, rspTypeData:
		return bytes.NewBuffer(buf[1:n]), nil
	default:
		return nil, errors.Errorf("glasgow: unknown response type 0x%02x", buf[0])
	}
}

func (d *Driver) SelectProtocol(ctx context.Context, p probe.Protocol) error {
	// The applet is configured for SWD vs JTAG at process-launch time on
	// the host side, outside this driver's scope; this accepts any protocol
	// without checking it against the applet's configuration.
	return nil
}

func (d *Driver) SetSpeed(ctx context.Context, khz int) (int, error) {
	req := bytes.NewBuffer([]byte{cmdSetClock})
	binary.Write(req, binary.LittleEndian, uint32(khz))
	if _, err := d.exec(ctx, req); err != nil {
		return 0, errors.Trace(err)
	}
	return khz, nil
}

func (d *Driver) Attach(ctx context.Context) error { return nil }
func (d *Driver) Detach(ctx context.Context) error { return nil }
func (d *Driver) Close() error                     { return d.t.Close() }

func (d *Driver) TargetResetAssert(ctx context.Context) error {
	_, err := d.exec(ctx, bytes.NewBuffer([]byte{cmdSetReset, 1}))
	return errors.Trace(err)
}

func (d *Driver) TargetResetDeassert(ctx context.Context) error {
	_, err := d.exec(ctx, bytes.NewBuffer([]byte{cmdSetReset, 0}))
	return errors.Trace(err)
}

func (d *Driver) SwjSequence(ctx context.Context, bitLen int, bits []byte) error {
	req := bytes.NewBuffer([]byte{cmdSequence})
	binary.Write(req, binary.LittleEndian, uint16(bitLen))
	req.Write(bits)
	_, err := d.exec(ctx, req)
	return errors.Trace(err)
}

func (d *Driver) SwjPins(ctx context.Context, out, selectMask byte, wait time.Duration) (byte, error) {
	return 0, errors.Errorf("glasgow applet protocol has no direct pin-drive command wired in this driver")
}

func regByte(addr probe.RegAddr) byte {
	b := addr.Address & 0xc
	if addr.IsAP {
		b |= 1
	}
	return b
}

func (d *Driver) RawReadRegister(ctx context.Context, addr probe.RegAddr) (uint32, error) {
	req := bytes.NewBuffer([]byte{cmdTransfer, regByte(addr) | 0x2 /* read */})
	resp, err := d.exec(ctx, req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var v uint32
	if binary.Read(resp, binary.LittleEndian, &v) != nil {
		return 0, errors.Errorf("glasgow: short response")
	}
	return v, nil
}

func (d *Driver) RawWriteRegister(ctx context.Context, addr probe.RegAddr, value uint32) error {
	req := bytes.NewBuffer([]byte{cmdTransfer, regByte(addr)})
	binary.Write(req, binary.LittleEndian, value)
	_, err := d.exec(ctx, req)
	return errors.Trace(err)
}

func (d *Driver) RawReadBlock(ctx context.Context, addr probe.RegAddr, count int) ([]uint32, error) {
	out := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		v, err := d.RawReadRegister(ctx, addr)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Driver) RawWriteBlock(ctx context.Context, addr probe.RegAddr, values []uint32) error {
	for _, v := range values {
		if err := d.RawWriteRegister(ctx, addr, v); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (d *Driver) RawFlush(ctx context.Context) error { return nil }

func (d *Driver) MaxBlockSize() int { return 1 }
