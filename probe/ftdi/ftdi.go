// Package ftdi drives an FTDI MPSSE-capable chip (FT2232H/FT232H) as a
// low-level SWD wire driver: it implements probe.Probe, nRESET control and
// probe.SwjSequencer (raw bit runs clocked out with MPSSE clock-bits
// commands, plus GPIO pin drive/readback). It does not implement
// probe.DapAccess: no SWD request/ack/data framing is done here, so DP/AP
// register access is not available through this driver, and SelectProtocol
// rejects JTAG. No mos/flash file does this; the
// sequence-splitting idea (chop an arbitrary-length TMS/TDI run into the
// chunks one MPSSE command can shift) is grounded on
// other_examples/5bb56abe_OpenTraceLab-OpenTraceJTAG__pkg-jtag-cmsisdap.go's
// CMSISDAPAdapter.buildSequences, re-expressed in this module's
// juju/errors+glog idiom rather than that file's fmt.Errorf/%w style, and
// applied here to MPSSE clock-bit commands instead of CMSIS-DAP SWJ
// sequences.
package ftdi

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/transport"
)

// MPSSE command bytes used for bit-banged SWD.
const (
	mpsseClockBitsOut  = 0x1a // clock TDI/DO bits out, no read
	mpsseClockBitsInOut = 0x3b // clock bits out on falling edge, in on rising
	mpsseSetDataBitsLow = 0x80
	mpsseGetDataBitsLow = 0x81
	mpsseSendImmediate  = 0x87
)

// Pin assignment on the FTDI ADBUS, matching the common SWD-over-MPSSE
// wiring: AD0=SWCLK (TCK), AD1=SWDIO-out (TDI), AD2=SWDIO-in (TDO), AD3=nRESET.
const (
	pinSWCLK  = 1 << 0
	pinSWDIOOut = 1 << 1
	pinSWDIOIn  = 1 << 2
	pinNRESET   = 1 << 3
)

// Driver speaks MPSSE over a transport.Transport (a USB interface opened
// in bitbang/MPSSE mode) to emulate SWD.
type Driver struct {
	t    transport.Transport
	info probe.Info
	outputPins byte // last value written to the low GPIO byte
}

var (
	_ probe.Probe        = (*Driver)(nil)
	_ probe.SwjSequencer = (*Driver)(nil)
)

func Open(t transport.Transport, vid, pid uint16, serial string) (*Driver, error) {
	d := &Driver{t: t, info: probe.Info{VendorID: vid, ProductID: pid, Serial: serial, Name: "FTDI MPSSE"}}
	if err := d.resetMPSSE(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

func (d *Driver) resetMPSSE() error {
	// Put AD0(SWCLK)/AD1(SWDIO-out)/AD3(nRESET) as outputs, AD2(SWDIO-in)
	// as input, idle state nRESET deasserted (high).
	d.outputPins = pinNRESET
	cmd := []byte{mpsseSetDataBitsLow, d.outputPins, pinSWCLK | pinSWDIOOut | pinNRESET}
	_, err := d.t.Write(cmd, time.Second)
	return errors.Annotatef(err, "ftdi: failed to configure MPSSE GPIO direction")
}

func (d *Driver) Info() probe.Info { return d.info }

func (d *Driver) SelectProtocol(ctx context.Context, p probe.Protocol) error {
	if p != probe.ProtocolSWD {
		return errors.Errorf("ftdi driver only implements bit-banged SWD in this module")
	}
	return nil
}

func (d *Driver) SetSpeed(ctx context.Context, khz int) (int, error) {
	// MPSSE clock divisor: TCK = 60MHz / ((1+div)*2). Pick the largest
	// divisor giving a rate <= khz.
	const baseHz = 60_000_000
	div := 0
	for {
		rate := baseHz / ((1 + div) * 2)
		if rate/1000 <= khz || div >= 0xffff {
			cmd := []byte{0x86, byte(div), byte(div >> 8)} // TCK divisor
			if _, err := d.t.Write(cmd, time.Second); err != nil {
				return 0, errors.Annotatef(err, "ftdi: failed to set clock divisor")
			}
			return rate / 1000, nil
		}
		div++
	}
}

func (d *Driver) Attach(ctx context.Context) error { return nil }
func (d *Driver) Detach(ctx context.Context) error { return nil }
func (d *Driver) Close() error                     { return d.t.Close() }

func (d *Driver) TargetResetAssert(ctx context.Context) error {
	d.outputPins &^= pinNRESET
	cmd := []byte{mpsseSetDataBitsLow, d.outputPins, pinSWCLK | pinSWDIOOut | pinNRESET}
	_, err := d.t.Write(cmd, time.Second)
	return errors.Trace(err)
}

func (d *Driver) TargetResetDeassert(ctx context.Context) error {
	d.outputPins |= pinNRESET
	cmd := []byte{mpsseSetDataBitsLow, d.outputPins, pinSWCLK | pinSWDIOOut | pinNRESET}
	_, err := d.t.Write(cmd, time.Second)
	return errors.Trace(err)
}

// maxBitsPerCommand is the largest run of bits one MPSSE clock-bits command
// can shift (the command's length field is a single byte, 0-based, 1-8
// bits at a time in this driver's chosen bit-at-a-time framing).
const maxBitsPerCommand = 8

// buildSequences splits a long run of bits into maxBitsPerCommand-sized
// MPSSE commands, the same chunking OpenTraceJTAG's buildSequences does for
// CMSIS-DAP's 64-bit SWJSequence frames, scaled down to MPSSE's narrower
// per-command limit.
func buildSequences(bitLen int) []int {
	var chunks []int
	for bitLen > 0 {
		n := bitLen
		if n > maxBitsPerCommand {
			n = maxBitsPerCommand
		}
		chunks = append(chunks, n)
		bitLen -= n
	}
	return chunks
}

func (d *Driver) SwjSequence(ctx context.Context, bitLen int, bits []byte) error {
	bitOff := 0
	byteOff := 0
	for _, n := range buildSequences(bitLen) {
		var b byte
		for i := 0; i < n; i++ {
			bit := (bits[byteOff] >> uint(bitOff)) & 1
			b |= bit << uint(i)
			bitOff++
			if bitOff == 8 {
				bitOff = 0
				byteOff++
			}
		}
		cmd := []byte{mpsseClockBitsOut, byte(n - 1), b}
		glog.V(4).Infof("ftdi: clocking %d bits: 0x%02x", n, b)
		if _, err := d.t.Write(cmd, time.Second); err != nil {
			return errors.Annotatef(err, "ftdi: failed to clock bits")
		}
	}
	return nil
}

func (d *Driver) SwjPins(ctx context.Context, out, selectMask byte, wait time.Duration) (byte, error) {
	cur := d.outputPins
	next := (cur &^ byte(selectMask)) | (out & byte(selectMask))
	d.outputPins = next
	cmd := []byte{mpsseSetDataBitsLow, next, pinSWCLK | pinSWDIOOut | pinNRESET}
	if _, err := d.t.Write(cmd, time.Second); err != nil {
		return 0, errors.Annotatef(err, "ftdi: failed to drive pins")
	}
	readCmd := []byte{mpsseGetDataBitsLow, mpsseSendImmediate}
	if _, err := d.t.Write(readCmd, time.Second); err != nil {
		return 0, errors.Annotatef(err, "ftdi: failed to request pin readback")
	}
	buf := make([]byte, 1)
	if _, err := d.t.Read(buf, wait+time.Second); err != nil {
		return 0, errors.Annotatef(err, "ftdi: failed to read pins")
	}
	return buf[0], nil
}
