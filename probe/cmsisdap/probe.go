package cmsisdap

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/transport"
)

// Adapter wraps a raw Client and exposes it as a probe.Probe implementing
// probe.DapAccess and probe.SwjSequencer, generalizing mos/flash/common/cmsis-dap's
// dap.DAPClient (always DP-index 0, CMSIS-DAP-flavored register numbering)
// to the dapaddr-addressed surface the rest of this module expects.
type Adapter struct {
	c    *Client
	info probe.Info
	dapIndex uint8
}

var (
	_ probe.Probe        = (*Adapter)(nil)
	_ probe.DapAccess    = (*Adapter)(nil)
	_ probe.SwjSequencer = (*Adapter)(nil)
)

// Open negotiates the CMSIS-DAP protocol over an already-opened transport
// and reads back its identification strings.
func Open(ctx context.Context, t transport.Transport, vid, pid uint16, serial string) (*Adapter, error) {
	c, err := New(ctx, t)
	if err != nil {
		return nil, errors.Annotatef(err, "cmsisdap: failed to open")
	}
	name, _ := c.GetInfoString(ctx, InfoProductVendorCombined())
	return &Adapter{
		c: c,
		info: probe.Info{
			VendorID:  vid,
			ProductID: pid,
			Serial:    serial,
			Name:      name,
		},
	}, nil
}

// InfoProductVendorCombined picks the product-name info id; kept as a
// function rather than a second constant because several probes fold
// vendor+product into one DAP_Info(6) string.
func InfoProductVendorCombined() InfoID { return InfoTargetName }

func (a *Adapter) Info() probe.Info { return a.info }

func (a *Adapter) SelectProtocol(ctx context.Context, p probe.Protocol) error {
	var mode ConnectMode
	switch p {
	case probe.ProtocolSWD:
		mode = ConnectModeSWD
	case probe.ProtocolJTAG:
		mode = ConnectModeJTAG
	default:
		return errors.Errorf("unknown protocol %v", p)
	}
	if err := a.c.Connect(ctx, mode); err != nil {
		return errors.Trace(err)
	}
	cfg := uint8(0)
	if mode == ConnectModeSWD {
		if err := a.c.SWDConfigure(ctx, cfg); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(a.c.TransferConfigure(ctx, 0, 64, 64))
}

func (a *Adapter) SetSpeed(ctx context.Context, khz int) (int, error) {
	if err := a.c.SWJClock(ctx, uint32(khz)*1000); err != nil {
		return 0, errors.Trace(err)
	}
	return khz, nil
}

func (a *Adapter) Attach(ctx context.Context) error {
	return errors.Trace(a.c.SetHostStatus(ctx, StatusConnected, true))
}

func (a *Adapter) Detach(ctx context.Context) error {
	if err := a.c.SetHostStatus(ctx, StatusConnected, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.c.Disconnect(ctx))
}

func (a *Adapter) Close() error {
	return a.c.Close(context.Background())
}

// TargetResetAssert/Deassert implement probe.ResetPinController over SWJ_Pins.
func (a *Adapter) TargetResetAssert(ctx context.Context) error {
	_, err := a.c.SWJPins(ctx, 0, probe.PinnRESET, 0)
	return errors.Trace(err)
}

func (a *Adapter) TargetResetDeassert(ctx context.Context) error {
	_, err := a.c.SWJPins(ctx, probe.PinnRESET, probe.PinnRESET, 0)
	return errors.Trace(err)
}

func (a *Adapter) SwjSequence(ctx context.Context, bitLen int, bits []byte) error {
	return errors.Trace(a.c.SWJSequence(ctx, bitLen, bits))
}

func (a *Adapter) SwjPins(ctx context.Context, out, selectMask byte, wait time.Duration) (byte, error) {
	v, err := a.c.SWJPins(ctx, out, selectMask, uint32(wait.Microseconds()))
	return v, errors.Trace(err)
}

// regByte packs a probe.RegAddr into CMSIS-DAP's 2-bit-shifted register
// field; DP/AP bank selection for banks beyond 0 is handled by the dp
// package issuing a SELECT write before the access, matching
// mos/flash/common/cmsis-dap/dp/cmsis_dap_dp.go's selectAP bank cache.
func regByte(addr probe.RegAddr) uint8 {
	return addr.Address & 0xc
}

func (a *Adapter) RawReadRegister(ctx context.Context, addr probe.RegAddr) (uint32, error) {
	_, data, err := a.c.Transfer(ctx, a.dapIndex, []TransferRequest{{
		Op: OpRead, AP: addr.IsAP, Reg: regByte(addr),
	}})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(data) != 1 {
		return 0, errors.Errorf("expected 1 word, got %d", len(data))
	}
	return data[0], nil
}

func (a *Adapter) RawWriteRegister(ctx context.Context, addr probe.RegAddr, value uint32) error {
	_, _, err := a.c.Transfer(ctx, a.dapIndex, []TransferRequest{{
		Op: OpWrite, AP: addr.IsAP, Reg: regByte(addr), Data: value,
	}})
	return errors.Trace(err)
}

func (a *Adapter) RawReadBlock(ctx context.Context, addr probe.RegAddr, count int) ([]uint32, error) {
	max := a.MaxBlockSize()
	var out []uint32
	for count > 0 {
		n := count
		if n > max {
			n = max
		}
		res, err := a.c.TransferBlockRead(ctx, a.dapIndex, addr.IsAP, regByte(addr), n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, res...)
		count -= n
	}
	return out, nil
}

func (a *Adapter) RawWriteBlock(ctx context.Context, addr probe.RegAddr, values []uint32) error {
	max := a.MaxBlockSize()
	for len(values) > 0 {
		n := len(values)
		if n > max {
			n = max
		}
		if err := a.c.TransferBlockWrite(ctx, a.dapIndex, addr.IsAP, regByte(addr), values[:n]); err != nil {
			return errors.Trace(err)
		}
		values = values[n:]
	}
	return nil
}

func (a *Adapter) RawFlush(ctx context.Context) error { return nil }

func (a *Adapter) MaxBlockSize() int { return a.c.MaxBlockSize() }
