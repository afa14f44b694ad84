// Package probe defines the capability-set model this module uses for
// debug probes: a Probe
// is polymorphic over {DapAccess, JtagAccess, RiscvDebugInterface,
// SwjSequencer, ResetPinController}, and not every probe implements every
// capability. The idiomatic Go rendering of "capability set" is a small
// interface per capability, queried from the concrete Probe with a
// comma-ok type assertion — exactly how mos/flash/common/cmsis-dap/dp's
// dpClient consumes a dap.DAPClient without knowing whether the bytes
// underneath came from HID or USB-bulk, generalized one level further so
// the DAP layer doesn't know whether it's talking to a CMSIS-DAP probe,
// an ST-Link, or a bit-banged SPI bridge either.
package probe

import (
	"context"
	"time"
)

// Protocol is the wire protocol a DP is reached over.
type Protocol int

const (
	ProtocolSWD Protocol = iota
	ProtocolJTAG
)

// Probe is the minimal surface every probe driver implements: open/close
// the wire, pick a protocol and a speed. Everything else is an optional
// capability queried via a type assertion.
type Probe interface {
	// Info identifies the connected probe.
	Info() Info

	// SelectProtocol chooses SWD or JTAG. Drivers that can't speak the
	// requested protocol return a plain error; it carries no distinct
	// errkind tag. The glasgow driver accepts any protocol.
	SelectProtocol(ctx context.Context, protocol Protocol) error

	// SetSpeed negotiates a target clock rate in kHz, returning the
	// actual value chosen. Idempotent.
	SetSpeed(ctx context.Context, khz int) (actualKhz int, err error)

	// Attach opens the wire. Safe to call once; after Attach, DAP
	// operations are valid.
	Attach(ctx context.Context) error

	// Detach returns the wire to a safe (idle) state.
	Detach(ctx context.Context) error

	// Close releases the underlying transport.
	Close() error
}

// Info identifies a connected probe instance.
type Info struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
	Name      string
}

// ResetPinController drives the nRESET pin explicitly, for probes that can.
// Probes without this capability fail reset requests with NotImplemented
// and the caller falls back to a software reset sequence.
type ResetPinController interface {
	TargetResetAssert(ctx context.Context) error
	TargetResetDeassert(ctx context.Context) error
}

// SwjSequencer emits raw bit patterns on SWCLK/SWDIO and drives/reads
// arbitrary pin levels, the primitive surface debug sequences use to do
// protocol bring-up (line-reset, JTAG-to-SWD switch sequences) before any
// typed register access is possible.
type SwjSequencer interface {
	// SwjSequence emits bitLen bits (up to 64 at a time; longer
	// sequences are chunked by the caller) from bits, LSB of bits[0]
	// first.
	SwjSequence(ctx context.Context, bitLen int, bits []byte) error

	// SwjPins drives the selected pins (mask `selectMask`) to the levels
	// in `out`, optionally waiting up to `wait` for a readback match
	// against `out` (masked by selectMask), and returns the pins read
	// back.
	SwjPins(ctx context.Context, out, selectMask byte, wait time.Duration) (byte, error)
}

// Pin bit positions for SwjPins, per the CMSIS-DAP pin convention every
// probe in this module follows.
const (
	PinSWCLKTCK = 1 << 0
	PinSWDIOTMS = 1 << 1
	PinTDI      = 1 << 2
	PinTDO      = 1 << 3
	PinnTRST    = 1 << 5
	PinnRESET   = 1 << 7
)

// DapAccess is raw DP/AP register access: the primitive surface the dap
// package's DP/MemAP clients are built on, ported conceptually from
// dap.DAPClient's Transfer/TransferBlockRead/TransferBlockWrite in
// mos/flash/common/cmsis-dap/dap/cmsis_dap_client_interface.go, generalized
// from "always DP-index 0, flat uint8 register" to the dapaddr-addressed,
// multi-DP-aware surface a CoreSight-based debug engine needs.
type DapAccess interface {
	// RawReadRegister reads one DP or AP register.
	RawReadRegister(ctx context.Context, addr RegAddr) (uint32, error)
	// RawWriteRegister writes one DP or AP register. Implementations may
	// coalesce queued single-register writes into block writes, but
	// must flush on any read, any mode change, and on RawFlush.
	RawWriteRegister(ctx context.Context, addr RegAddr, value uint32) error
	// RawReadBlock reads count consecutive values of the same register
	// (e.g. repeated AP DRW reads for a memory burst).
	RawReadBlock(ctx context.Context, addr RegAddr, count int) ([]uint32, error)
	// RawWriteBlock writes consecutive values to the same register.
	RawWriteBlock(ctx context.Context, addr RegAddr, values []uint32) error
	// RawFlush flushes any queued writes.
	RawFlush(ctx context.Context) error
	// MaxBlockSize returns the largest count RawReadBlock/RawWriteBlock
	// can service in one probe-level transfer, so the DAP layer can
	// pipeline within that limit.
	MaxBlockSize() int
}

// RegAddr names a single DP or AP register at the probe's raw level: a DP
// register selects a bank+address; an AP register is an offset within the
// AP named by ApIndex (APSEL is carried in ApIndex on every access).
type RegAddr struct {
	IsAP    bool
	ApIndex uint8 // which AP (ApV1 selector); ignored for DP registers
	Bank    uint8 // DP register bank, or AP register bank (addr/16)
	Address uint8 // register address within the bank, 4-byte aligned
}

// JtagAccess is raw JTAG shift access, for probes reached over a JTAG scan
// chain (TI's cJTAG bridge-up, multi-TAP ICEPICK chains).
type JtagAccess interface {
	// ShiftIR/ShiftDR shift tdi into the instruction/data register while
	// driving tms, returning the bits shifted out on TDO.
	ShiftIR(ctx context.Context, tms, tdi []byte, bits int) ([]byte, error)
	ShiftDR(ctx context.Context, tms, tdi []byte, bits int) ([]byte, error)
	// ResetTAP resets the JTAG TAP state machine; hard selects a
	// probe-driven TRST pulse over the 5-clock TMS=1 software reset.
	ResetTAP(ctx context.Context, hard bool) error
}

// RiscvDebugInterface exposes the RISC-V Debug Module Interface (DMI)
// directly, for probes with native DMI support rather than going through a
// JTAG DTM.
type RiscvDebugInterface interface {
	DMIRead(ctx context.Context, addr uint8) (uint32, error)
	DMIWrite(ctx context.Context, addr uint8, value uint32) error
}
