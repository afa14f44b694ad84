package flash

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/arch"
	"github.com/cesanta/probecore/log"
	"github.com/cesanta/probecore/target"
)

// breakpointReturnAddress is where every algorithm call's LR points: an
// address in RAM guaranteed never to contain valid code, so a breakpoint
// there unambiguously means "the algorithm function returned", the same
// convention CMSIS-Pack flashing tools use (and which cm4Debug's
// SetReg/GetReg-based register plumbing in mos/flash/common/cortex made
// possible without this engine needing its own register-transfer code).
const breakpointReturnAddress = 0x20000001 // odd address: never a valid Thumb PC, trivially distinguishable

// pendingCall is an algorithm call that's been started on the target (PC,
// SP, LR and the return breakpoint are all set and Run() issued) but not
// yet waited on, letting the caller do other host-side work — staging the
// next page's data into the other buffer — while the target executes it.
type pendingCall struct {
	pc      uint32
	handle  int
	started time.Time
	timeout time.Duration
}

// Engine runs flash algorithm calls against one core, with the algorithm
// already decided (by a session layer that also knows which core owns
// which memory region).
type Engine struct {
	mrw    target.MemReaderWriter
	core   arch.Core
	log    *log.Logger
	loaded *target.FlashAlgorithm
	// doubleBuffer caches the two staging buffers' addresses once
	// computed, so successive ProgramPage calls don't recompute layout.
	bufferAddrs [2]uint64
	bufferIndex int
	// pending is the most recently started call that hasn't been waited
	// on yet; at most one call is ever in flight, since the core only
	// runs one thing at a time, but double-buffering lets the host stage
	// the next page while this one is still pending.
	pending *pendingCall
}

func NewEngine(mrw target.MemReaderWriter, core arch.Core, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Discard)
	}
	return &Engine{mrw: mrw, core: core, log: logger}
}

// Load writes the algorithm's instructions into its load address and
// (re-)initializes the call-return breakpoint; it's idempotent across
// successive operations against the same algorithm, matching "the
// algorithm, once loaded, is left in place" behavior a session layer relies
// on to avoid reloading between an erase and a following program pass.
func (e *Engine) Load(ctx context.Context, algo *target.FlashAlgorithm) error {
	if e.loaded == algo {
		return nil
	}
	words := algo.Instructions
	if err := e.mrw.WriteWords(ctx, algo.LoadAddress, words); err != nil {
		return errors.Annotatef(err, "failed to load flash algorithm at 0x%08x", algo.LoadAddress)
	}
	e.loaded = algo
	e.bufferIndex = 0
	e.pending = nil
	dataBase := algo.LoadAddress + uint64(len(words))*4 + algo.DataSectionOffset
	pageSize := uint64(algo.FlashProperties.PageSize)
	e.bufferAddrs[0] = dataBase
	e.bufferAddrs[1] = dataBase + pageSize
	return nil
}

// startCall sets up one algorithm entry point call with up to 4 arguments
// and issues Run(), returning as soon as the target starts executing
// rather than waiting for it to finish — the AAPCS-ish convention
// CMSIS-Pack flash algorithms use: r0-r3 args, r9=static base,
// SP=begin_stack, LR=return breakpoint, PC=entry. The caller must later
// FinishPendingCall before relying on the call's result or reusing
// anything the call touches.
func (e *Engine) startCall(ctx context.Context, pc uint32, args [4]uint32, timeout time.Duration) (*pendingCall, error) {
	if e.loaded == nil {
		return nil, errors.Errorf("no flash algorithm loaded")
	}
	cat := e.core.Catalogue()
	set := func(role arch.RegisterRole, value uint64) error {
		return e.core.WriteRegister(ctx, arch.ByRole(role), value)
	}
	if err := set(arch.RoleArgument0, uint64(args[0])); err != nil {
		return nil, errors.Trace(err)
	}
	if err := set(arch.RoleArgument1, uint64(args[1])); err != nil {
		return nil, errors.Trace(err)
	}
	if err := set(arch.RoleArgument2, uint64(args[2])); err != nil {
		return nil, errors.Trace(err)
	}
	if err := set(arch.RoleArgument3, uint64(args[3])); err != nil {
		return nil, errors.Trace(err)
	}
	if _, ok := cat.Resolve(arch.ByRole(arch.RoleStaticBase)); ok {
		if err := set(arch.RoleStaticBase, uint64(e.loaded.LoadAddress)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	stackTop := e.bufferAddrs[0] // the algorithm's stack sits below its data buffers
	if err := set(arch.RoleStackPointer, uint64(stackTop)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := set(arch.RoleReturnAddress, breakpointReturnAddress); err != nil {
		return nil, errors.Trace(err)
	}
	if err := set(arch.RoleProgramCounter, uint64(pc|1)); err != nil { // |1: Thumb bit
		return nil, errors.Trace(err)
	}

	handle, err := e.core.SetBreakpoint(ctx, breakpointReturnAddress&^1)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to set return breakpoint")
	}

	if err := e.core.Run(ctx); err != nil {
		e.core.ClearBreakpoint(ctx, handle)
		return nil, errors.Annotatef(err, "failed to start flash algorithm call at 0x%08x", pc)
	}
	return &pendingCall{pc: pc, handle: handle, started: time.Now(), timeout: timeout}, nil
}

// FinishPendingCall waits for the most recently started call (if any) to
// hit its return breakpoint and checks its result. It's a no-op if nothing
// is pending, so callers that don't overlap calls (Init/EraseSector/
// EraseAll/UnInit) can call it unconditionally before starting their own
// call to make sure they don't run concurrently with a ProgramPage that's
// still in flight.
func (e *Engine) FinishPendingCall(ctx context.Context) error {
	p := e.pending
	if p == nil {
		return nil
	}
	e.pending = nil
	defer e.core.ClearBreakpoint(ctx, p.handle)

	deadline := p.started.Add(p.timeout)
	for {
		halted, err := e.core.IsHalted(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if halted {
			break
		}
		if time.Now().After(deadline) {
			e.core.Halt(ctx)
			return errors.Errorf("flash algorithm call at 0x%08x timed out after %s", p.pc, p.timeout)
		}
	}
	r0, err := e.core.ReadRegister(ctx, arch.ByRole(arch.RoleArgument0))
	if err != nil {
		return errors.Trace(err)
	}
	if r0 != 0 {
		return errors.Errorf("flash algorithm call at 0x%08x returned error code %d", p.pc, r0)
	}
	return nil
}

// call runs one algorithm entry point synchronously: finish whatever call
// is already pending (there should never be one outside ProgramPage's
// overlap window, but this keeps the invariant "at most one call in
// flight" true even if a caller mixes call() with ProgramPage), start the
// new one, and wait for it.
func (e *Engine) call(ctx context.Context, pc uint32, args [4]uint32, timeout time.Duration) error {
	if err := e.FinishPendingCall(ctx); err != nil {
		return errors.Trace(err)
	}
	p, err := e.startCall(ctx, pc, args, timeout)
	if err != nil {
		return errors.Trace(err)
	}
	e.pending = p
	return errors.Trace(e.FinishPendingCall(ctx))
}

// entryPC resolves a FlashAlgorithm.Pc* field — an offset from
// LoadAddress, per the CMSIS-Pack FLM convention every entry point in
// target.FlashAlgorithm follows — to the absolute address call() jumps to.
func (e *Engine) entryPC(offset uint32) uint32 {
	return uint32(e.loaded.LoadAddress) + offset
}

// Init calls the algorithm's Init entry if the algorithm declares one
// (PcInit non-nil) and is a no-op otherwise: not every algorithm needs
// device-specific setup before erase/program.
func (e *Engine) Init(ctx context.Context, baseClock, flashMode uint32) error {
	if e.loaded.PcInit == nil {
		return nil
	}
	return e.call(ctx, e.entryPC(*e.loaded.PcInit), [4]uint32{uint32(e.loaded.FlashProperties.Range.Start), baseClock, flashMode},
		millis(e.loaded.FlashProperties.EraseSectorTimeout))
}

func (e *Engine) UnInit(ctx context.Context, flashMode uint32) error {
	if e.loaded.PcUnInit == nil {
		return nil
	}
	return e.call(ctx, e.entryPC(*e.loaded.PcUnInit), [4]uint32{flashMode, 0, 0, 0}, 2*time.Second)
}

func (e *Engine) EraseSector(ctx context.Context, addr uint32) error {
	return e.call(ctx, e.entryPC(e.loaded.PcEraseSector), [4]uint32{addr, 0, 0, 0}, millis(e.loaded.FlashProperties.EraseSectorTimeout))
}

func (e *Engine) EraseAll(ctx context.Context) error {
	if e.loaded.PcEraseAll == nil {
		return errors.Errorf("algorithm %q has no chip-erase entry point", e.loaded.Name)
	}
	return e.call(ctx, e.entryPC(*e.loaded.PcEraseAll), [4]uint32{0, 0, 0, 0}, 60*time.Second)
}

// ProgramPage writes one page's worth of data into the algorithm's
// double-buffer, alternating buffers each call, and starts the algorithm
// call without waiting for it to finish: since buffer index i+1 is never
// the buffer the previous call is still executing against, this page's
// data upload genuinely overlaps the target executing the previous page's
// ProgramPage call (the standard CMSIS-Pack double-buffering scheme; mos/
// flash had no flash-algorithm concept at all). The previous call is only
// waited on here, after the new buffer is already staged, and the final
// page's call is left pending for the caller to collect with
// FinishPendingCall.
func (e *Engine) ProgramPage(ctx context.Context, addr uint32, data []byte) error {
	buf := e.bufferAddrs[e.bufferIndex]
	e.bufferIndex = (e.bufferIndex + 1) % len(e.bufferAddrs)
	if err := e.mrw.WriteBytes(ctx, buf, data); err != nil {
		return errors.Annotatef(err, "failed to stage page data at 0x%08x", buf)
	}
	if err := e.FinishPendingCall(ctx); err != nil {
		return errors.Trace(err)
	}
	p, err := e.startCall(ctx, e.entryPC(e.loaded.PcProgramPage), [4]uint32{addr, uint32(len(data)), uint32(buf), 0}, millis(e.loaded.FlashProperties.ProgramPageTimeout))
	if err != nil {
		return errors.Trace(err)
	}
	e.pending = p
	return nil
}

// millis converts a FlashProperties millisecond timeout (as the CMSIS-Pack
// FLM <ProgramAlgorithm> timings carry it) to a time.Duration.
func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
