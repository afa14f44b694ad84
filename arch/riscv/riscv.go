// Package riscv implements the arch.Core surface over the RISC-V Debug
// Module (DM), reached either through a probe's native DMI capability
// (probe.RiscvDebugInterface) or through a JTAG DTM shim (not yet wired).
// No mos/flash file covers RISC-V; the DM register layout and
// abstract-command sequencing follow the RISC-V Debug Specification, kept
// in this module's house style (juju/errors annotation, same Core method
// set as arch/armv7m and arch/armv8a). SBA additionally gives the flash
// engine and RTT engine a target.MemReaderWriter over the same DMI, the
// way dap.MemAP gives them one over MEM-AP.
package riscv

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/arch"
	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/target"
)

// DM register addresses (RISC-V Debug Spec 0.13/1.0).
const (
	dmData0      = 0x04
	dmDmcontrol  = 0x10
	dmDmstatus   = 0x11
	dmHartinfo   = 0x12
	dmAbstractcs = 0x16
	dmCommand    = 0x17
	dmProgbuf0   = 0x20
	dmSbcs       = 0x38
	dmSbaddress0 = 0x39
	dmSbaddress1 = 0x3a
	dmSbdata0    = 0x3c
)

// sbcs fields (System Bus Access Control and Status).
const (
	sbcsSbaccess32   = 2 << 17 // access size: 32-bit words
	sbcsSbautoincrement = 1 << 16
	sbcsSbreadonaddr = 1 << 20
	sbcsSbbusy       = 1 << 21
	sbcsSbbusyerror  = 1 << 22
	sbcsSberrorMask  = 0x7 << 12
	sbcsSberrorShift = 12
)

const (
	dmcontrolHaltreq   = 1 << 31
	dmcontrolResumereq = 1 << 30
	dmcontrolHartreset = 1 << 29
	dmcontrolAckhavereset = 1 << 28
	dmcontrolNdmreset  = 1 << 1
	dmcontrolDmactive  = 1 << 0

	dmstatusAllhalted   = 1 << 9
	dmstatusAnyhalted   = 1 << 8
	dmstatusAllrunning  = 1 << 11
	dmstatusAnyrunning  = 1 << 10
	dmstatusAllresumeack = 1 << 17

	abstractcsBusy   = 1 << 12
	abstractcsCmderrMask = 0x7 << 8
	abstractcsCmderrShift = 8
)

// abstract command constants for register access (cmdtype=0).
const (
	commandTypeRegister = 0 << 24
	commandRegSize32    = 2 << 20
	commandRegSize64    = 3 << 20
	commandPostexec     = 1 << 18
	commandTransfer     = 1 << 17
	commandWrite        = 1 << 16
)

// gprRegno maps x0-x31 to their abstract-command regno (0x1000 + n), per
// the Debug Spec's "CSR/GPR/FPR" regno table.
func gprRegno(n uint32) uint32 { return 0x1000 + n }

const regnoPC = 0x7b1 // dpc (Debug PC), the halted-PC shadow CSR

type catalogue struct{}

func (catalogue) Roles() []arch.RegisterRole {
	return []arch.RegisterRole{
		arch.RoleProgramCounter, arch.RoleStackPointer, arch.RoleReturnAddress,
		arch.RoleArgument0, arch.RoleArgument1, arch.RoleArgument2, arch.RoleArgument3,
	}
}

func (catalogue) Resolve(id arch.RegisterId) (uint32, bool) {
	if id.HasRole {
		switch id.Role {
		case arch.RoleProgramCounter:
			return regnoPC, true
		case arch.RoleStackPointer:
			return gprRegno(2), true
		case arch.RoleReturnAddress:
			return gprRegno(1), true
		case arch.RoleArgument0:
			return gprRegno(10), true
		case arch.RoleArgument1:
			return gprRegno(11), true
		case arch.RoleArgument2:
			return gprRegno(12), true
		case arch.RoleArgument3:
			return gprRegno(13), true
		}
		return 0, false
	}
	names := map[string]uint32{
		"zero": 0, "ra": 1, "sp": 2, "gp": 3, "tp": 4,
		"t0": 5, "t1": 6, "t2": 7, "s0": 8, "s1": 9,
		"a0": 10, "a1": 11, "a2": 12, "a3": 13, "a4": 14, "a5": 15, "a6": 16, "a7": 17,
	}
	n, ok := names[id.Name]
	if !ok {
		return 0, false
	}
	return gprRegno(n), true
}

// Core drives one RISC-V hart's Debug Module over a probe's native DMI
// capability, per target.CoreDescriptor identifying the hart index.
type Core struct {
	dmi      probe.RiscvDebugInterface
	hartSel  uint32
}

var _ arch.Core = (*Core)(nil)

func New(dmi probe.RiscvDebugInterface, hartIndex uint32) *Core {
	return &Core{dmi: dmi, hartSel: hartIndex}
}

func (c *Core) dmcontrolBase() uint32 {
	// hartsel is split across bits [25:16] (hartsello) and [5:0] is
	// reserved below the flags; keep it simple and support up to 1024
	// harts via the low field only, matching the common case.
	return (c.hartSel & 0x3ff) << 16
}

func (c *Core) Init(ctx context.Context) error {
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, dmcontrolDmactive); err != nil {
		return errors.Annotatef(err, "failed to activate debug module")
	}
	return nil
}

func (c *Core) Halt(ctx context.Context) error {
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive|dmcontrolHaltreq); err != nil {
		return errors.Trace(err)
	}
	defer c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive)
	return c.WaitHalted(ctx)
}

func (c *Core) Run(ctx context.Context) error {
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive|dmcontrolResumereq); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		v, err := c.dmi.DMIRead(ctx, dmDmstatus)
		if err != nil {
			return errors.Trace(err)
		}
		if v&dmstatusAllresumeack != 0 {
			return nil
		}
	}
	return errors.Errorf("timed out waiting for resume ack")
}

func (c *Core) Step(ctx context.Context) error {
	return errors.Errorf("single-step is not implemented for RISC-V cores")
}

func (c *Core) ResetHalt(ctx context.Context) error {
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive|dmcontrolHaltreq|dmcontrolNdmreset); err != nil {
		return errors.Trace(err)
	}
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive|dmcontrolHaltreq); err != nil {
		return errors.Trace(err)
	}
	return c.WaitHalted(ctx)
}

func (c *Core) ResetRun(ctx context.Context) error {
	if err := c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive|dmcontrolNdmreset); err != nil {
		return errors.Trace(err)
	}
	return c.dmi.DMIWrite(ctx, dmDmcontrol, c.dmcontrolBase()|dmcontrolDmactive)
}

func (c *Core) WaitHalted(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		halted, err := c.IsHalted(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if halted {
			return nil
		}
	}
	return errors.Errorf("timed out waiting for hart to halt")
}

func (c *Core) IsHalted(ctx context.Context) (bool, error) {
	v, err := c.dmi.DMIRead(ctx, dmDmstatus)
	if err != nil {
		return false, errors.Trace(err)
	}
	return v&dmstatusAllhalted != 0, nil
}

func (c *Core) HaltReason(ctx context.Context) (arch.HaltReason, error) {
	halted, err := c.IsHalted(ctx)
	if err != nil {
		return arch.HaltReasonUnknown, errors.Trace(err)
	}
	if !halted {
		return arch.HaltReasonUnknown, nil
	}
	return arch.HaltReasonRequest, nil
}

func (c *Core) waitAbstractCommand(ctx context.Context) error {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cs, err := c.dmi.DMIRead(ctx, dmAbstractcs)
		if err != nil {
			return errors.Trace(err)
		}
		if cs&abstractcsBusy != 0 {
			continue
		}
		if errbits := (cs & abstractcsCmderrMask) >> abstractcsCmderrShift; errbits != 0 {
			c.dmi.DMIWrite(ctx, dmAbstractcs, abstractcsCmderrMask) // write 1 to clear
			return errors.Errorf("abstract command failed (cmderr=%d)", errbits)
		}
		return nil
	}
	return errors.Errorf("timed out waiting for abstract command")
}

func (c *Core) ReadRegister(ctx context.Context, id arch.RegisterId) (uint64, error) {
	regno, ok := (catalogue{}).Resolve(id)
	if !ok {
		return 0, errors.Errorf("register %+v not valid on this core", id)
	}
	cmd := commandTypeRegister | commandRegSize32 | commandTransfer | regno
	if err := c.dmi.DMIWrite(ctx, dmCommand, cmd); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.waitAbstractCommand(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.dmi.DMIRead(ctx, dmData0)
	return uint64(v), errors.Trace(err)
}

func (c *Core) WriteRegister(ctx context.Context, id arch.RegisterId, value uint64) error {
	regno, ok := (catalogue{}).Resolve(id)
	if !ok {
		return errors.Errorf("register %+v not valid on this core", id)
	}
	if err := c.dmi.DMIWrite(ctx, dmData0, uint32(value)); err != nil {
		return errors.Trace(err)
	}
	cmd := commandTypeRegister | commandRegSize32 | commandTransfer | commandWrite | regno
	if err := c.dmi.DMIWrite(ctx, dmCommand, cmd); err != nil {
		return errors.Trace(err)
	}
	return c.waitAbstractCommand(ctx)
}

func (c *Core) Catalogue() arch.RegisterCatalogue { return catalogue{} }

func (c *Core) SetBreakpoint(ctx context.Context, addr uint64) (int, error) {
	return 0, errors.Errorf("hardware breakpoints are not implemented for RISC-V cores (Trigger Module access TODO)")
}

func (c *Core) ClearBreakpoint(ctx context.Context, handle int) error {
	return errors.Errorf("hardware breakpoints are not implemented for RISC-V cores")
}

// SBA drives the Debug Module's System Bus Access block to read/write
// target memory without halting a hart, the RISC-V analogue of dap.MemAP:
// same target.MemReaderWriter surface, same word-access-with-byte-rounding
// shape, different wire registers underneath.
type SBA struct {
	dmi probe.RiscvDebugInterface
}

var _ target.MemReaderWriter = (*SBA)(nil)

func NewSBA(dmi probe.RiscvDebugInterface) *SBA {
	return &SBA{dmi: dmi}
}

// waitReady polls sbcs until a prior access completes, surfacing a sticky
// sberror/sbbusyerror as an error after clearing it (write-1-to-clear, same
// convention dmAbstractcs's cmderr field uses).
func (s *SBA) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(time.Second)
	for {
		v, err := s.dmi.DMIRead(ctx, dmSbcs)
		if err != nil {
			return errors.Trace(err)
		}
		if v&sbcsSbbusy == 0 {
			if errbits := (v & sbcsSberrorMask) >> sbcsSberrorShift; errbits != 0 || v&sbcsSbbusyerror != 0 {
				s.dmi.DMIWrite(ctx, dmSbcs, sbcsSberrorMask|sbcsSbbusyerror)
				return errors.Errorf("system bus access failed (sberror=%d)", errbits)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for system bus access")
		}
	}
}

func (s *SBA) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	if err := s.waitReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := s.dmi.DMIWrite(ctx, dmSbcs, sbcsSbaccess32|sbcsSbreadonaddr); err != nil {
		return 0, errors.Trace(err)
	}
	if addr > 0xffffffff {
		if err := s.dmi.DMIWrite(ctx, dmSbaddress1, uint32(addr>>32)); err != nil {
			return 0, errors.Trace(err)
		}
	}
	// Writing sbaddress0 triggers the bus read because sbreadonaddr is set.
	if err := s.dmi.DMIWrite(ctx, dmSbaddress0, uint32(addr)); err != nil {
		return 0, errors.Trace(err)
	}
	if err := s.waitReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to read 0x%x over system bus access", addr)
	}
	return s.dmi.DMIRead(ctx, dmSbdata0)
}

func (s *SBA) WriteWord(ctx context.Context, addr uint64, value uint32) error {
	if err := s.waitReady(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := s.dmi.DMIWrite(ctx, dmSbcs, sbcsSbaccess32); err != nil {
		return errors.Trace(err)
	}
	if addr > 0xffffffff {
		if err := s.dmi.DMIWrite(ctx, dmSbaddress1, uint32(addr>>32)); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.dmi.DMIWrite(ctx, dmSbaddress0, uint32(addr)); err != nil {
		return errors.Trace(err)
	}
	// Writing sbdata0 triggers the bus write.
	if err := s.dmi.DMIWrite(ctx, dmSbdata0, value); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(s.waitReady(ctx), "failed to write 0x%x over system bus access", addr)
}

func (s *SBA) ReadWords(ctx context.Context, addr uint64, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		v, err := s.ReadWord(ctx, addr+uint64(i)*4)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *SBA) WriteWords(ctx context.Context, addr uint64, values []uint32) error {
	for i, v := range values {
		if err := s.WriteWord(ctx, addr+uint64(i)*4, v); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ReadBytes/WriteBytes round out to word accesses at the boundaries, the
// same shape as dap.MemAP's, since SBA only moves whole 32-bit words.
func (s *SBA) ReadBytes(ctx context.Context, addr uint64, n int) ([]byte, error) {
	startWord := addr &^ 3
	endWord := (addr + uint64(n) + 3) &^ 3
	wordCount := int((endWord - startWord) / 4)
	words, err := s.ReadWords(ctx, startWord, wordCount)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, wordCount*4)
	for i, w := range words {
		buf[i*4+0] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	off := addr - startWord
	return buf[off : off+uint64(n)], nil
}

func (s *SBA) WriteBytes(ctx context.Context, addr uint64, data []byte) error {
	startWord := addr &^ 3
	endWord := (addr + uint64(len(data)) + 3) &^ 3
	wordCount := int((endWord - startWord) / 4)
	existing, err := s.ReadWords(ctx, startWord, wordCount)
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, wordCount*4)
	for i, w := range existing {
		buf[i*4+0] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	off := addr - startWord
	copy(buf[off:], data)
	words := make([]uint32, wordCount)
	for i := range words {
		words[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return s.WriteWords(ctx, startWord, words)
}
