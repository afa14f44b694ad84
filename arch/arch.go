// Package arch defines the architecture-neutral core-control surface that
// arch/armv7m, arch/armv8a, and arch/riscv each implement: halt/run/step,
// register access addressed by role rather than by raw number, breakpoints,
// and halt-reason reporting. Generalized from mos/flash/common/cortex's
// CortexDebug interface (which only ever addressed Cortex-M's R0-R15 +
// XPSR/MSP/PSP by fixed field) to the role-based RegisterId scheme so the
// same flash/rtt/session code works unmodified across ARMv6-M/v7-M/v8-M,
// AArch64, and RISC-V.
package arch

import "context"

// RegisterRole names a register by what callers use it for rather than its
// architecture-specific number, so algorithm-calling-convention code (the
// flash engine) and user-facing register dumps can be architecture-neutral.
type RegisterRole int

const (
	RoleProgramCounter RegisterRole = iota
	RoleStackPointer
	RoleFramePointer
	RoleReturnAddress
	RoleProcessorStatus
	RoleArgument0
	RoleArgument1
	RoleArgument2
	RoleArgument3
	RoleStaticBase // r9 on AAPCS; used by position-independent flash algorithms
)

// RegisterId is either a named general-purpose register or a role.
type RegisterId struct {
	Name string // e.g. "r0", "x3", "mstatus"; empty if Role is set
	Role RegisterRole
	HasRole bool
}

func ByName(name string) RegisterId  { return RegisterId{Name: name} }
func ByRole(r RegisterRole) RegisterId { return RegisterId{Role: r, HasRole: true} }

// RegisterCatalogue maps an architecture's RegisterIds to machine encodings
// understood by that architecture's register-transfer mechanism (Cortex-M's
// DCRSR index, AArch64's EDSCR/EDITR MRS sequences, RISC-V's abstract
// command regno).
type RegisterCatalogue interface {
	// Resolve returns the machine encoding for id, and whether id is
	// valid for this core.
	Resolve(id RegisterId) (encoding uint32, ok bool)
	// Roles lists which roles this architecture maps, in no particular
	// order; used to validate flash-algorithm calling convention setup
	// without hardcoding a register count.
	Roles() []RegisterRole
}

// HaltReason classifies why a core is halted, generalized from
// mos/flash/common/cortex's DFSR-bit reporting (cm4Debug didn't expose
// halt reason at all; this is new surface a core-control state machine
// needs to report halts precisely).
type HaltReason int

const (
	HaltReasonUnknown HaltReason = iota
	HaltReasonRequest
	HaltReasonBreakpoint
	HaltReasonWatchpoint
	HaltReasonStep
	HaltReasonException
	HaltReasonReset
)

// Core is the per-architecture debug surface a session.Core drives.
type Core interface {
	Init(ctx context.Context) error

	Halt(ctx context.Context) error
	Run(ctx context.Context) error
	Step(ctx context.Context) error
	ResetHalt(ctx context.Context) error
	ResetRun(ctx context.Context) error
	WaitHalted(ctx context.Context) error
	IsHalted(ctx context.Context) (bool, error)
	HaltReason(ctx context.Context) (HaltReason, error)

	ReadRegister(ctx context.Context, id RegisterId) (uint64, error)
	WriteRegister(ctx context.Context, id RegisterId, value uint64) error
	Catalogue() RegisterCatalogue

	// SetBreakpoint/ClearBreakpoint install/remove a hardware breakpoint
	// comparator at addr, returning an implementation-defined handle.
	SetBreakpoint(ctx context.Context, addr uint64) (int, error)
	ClearBreakpoint(ctx context.Context, handle int) error
}
