// Package session ties together a probe, a target description, and the
// per-core debug state into the object user code actually drives:
// Session owns the long-lived state (the probe connection, the DP/MemAP
// clients, which flash algorithm is currently loaded), and Core is a
// transient per-core handle borrowed from it, generalizing
// mos/flash/common/target.go's flat Target interface (which assumed
// exactly one core) into a multi-core-aware owner/borrower split.
package session

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/arch"
	"github.com/cesanta/probecore/arch/armv7m"
	"github.com/cesanta/probecore/arch/armv8a"
	"github.com/cesanta/probecore/arch/riscv"
	"github.com/cesanta/probecore/dap"
	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/flash"
	"github.com/cesanta/probecore/internal/errkind"
	"github.com/cesanta/probecore/internal/multierror"
	"github.com/cesanta/probecore/log"
	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/rtt"
	"github.com/cesanta/probecore/seq"
	"github.com/cesanta/probecore/target"
)

// coreState is a core's lazily-initialized, reinitialize-on-reset debug
// surface: its memory access (dap.MemAP for DAP-addressed cores,
// riscv.SBA for RISC-V ones), its arch.Core, the flash engine (if an
// algorithm has ever been loaded on it), and the RTT control block (if
// discovered).
type coreState struct {
	desc target.CoreDescriptor
	mrw  target.MemReaderWriter
	core arch.Core

	flashEngine *flash.Engine
	flashDirty  bool // an algorithm is loaded and may need UnInit before reuse

	rttBlock      *rtt.ControlBlock
	rttValidAfterReset bool // false: must re-Discover after the next reset
}

// Session owns one probe connection and everything discovered about the
// target attached to it. Not safe for concurrent use from multiple
// goroutines without external synchronization beyond what's needed to
// serialize against the single physical wire.
type Session struct {
	mu sync.Mutex

	p      probe.Probe
	dp     *dap.DP
	tgt    *target.Target
	log    *log.Logger
	seqSet *seq.Sequence

	cores map[string]*coreState
}

// Open attaches to a probe and brings its DP up, deferring per-core setup
// until a core is actually borrowed (mirrors mos/flash/common/cmsis-dap's lazy "connect,
// but don't touch cortex registers until asked" structure in
// mos/flash/common/cmsis-dap's Connect/Init split).
func Open(ctx context.Context, p probe.Probe, dpAddr dapaddr.DpAddress, tgt *target.Target, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.New(log.Discard)
	}
	if err := p.Attach(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to attach probe")
	}
	s := &Session{
		p:      p,
		tgt:    tgt,
		log:    logger,
		seqSet: seq.Lookup(tgt.Name),
		cores:  make(map[string]*coreState),
	}
	// Only bring up a DP if the target actually has a DAP-addressed core;
	// a RISC-V-only target never touches dap.DP/dap.MemAP at all, and a
	// probe attached to one may have no DapAccess capability to give it.
	if hasDapCore(tgt) {
		da, ok := p.(probe.DapAccess)
		if !ok {
			return nil, errkind.Tag(errkind.Architecture, "session.Open", errors.Errorf("probe has no DapAccess capability"))
		}
		dp := dap.NewDP(da, dpAddr, logger)
		if _, err := dp.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "failed to initialize debug port")
		}
		s.dp = dp
	}
	return s, nil
}

// hasDapCore reports whether any of the target's cores are reached through
// the ARM Debug Access Port rather than the RISC-V Debug Module.
func hasDapCore(tgt *target.Target) bool {
	for _, c := range tgt.Cores {
		switch c.Type {
		case target.CoreArmv6M, target.CoreArmv7M, target.CoreArmv8M, target.CoreArmv7A, target.CoreArmv8A:
			return true
		}
	}
	return false
}

// Target returns the static target description this session was opened
// against.
func (s *Session) Target() *target.Target { return s.tgt }

// Close detaches the probe and releases the underlying transport, bundling
// both failures together if they both occur so a close-time error doesn't
// hide a detach-time one.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()
	var err error
	if derr := s.p.Detach(ctx); derr != nil {
		err = multierror.Append(err, errors.Annotatef(derr, "failed to detach probe"))
	}
	if cerr := s.p.Close(); cerr != nil {
		err = multierror.Append(err, errors.Annotatef(cerr, "failed to close probe"))
	}
	return err
}

// Core borrows (lazily initializing) the named core's debug handle.
func (s *Session) Core(ctx context.Context, name string) (*Core, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.cores[name]
	if !ok {
		desc, ok := s.tgt.CoreByName(name)
		if !ok {
			return nil, errors.Errorf("target %q has no core named %q", s.tgt.Name, name)
		}
		cs = &coreState{desc: desc}
		s.cores[name] = cs
	}
	if cs.desc.Type == target.CoreRiscV {
		if err := s.initRiscvCore(ctx, cs); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		if err := s.initDapCore(ctx, cs, name); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if cs.flashEngine == nil {
		cs.flashEngine = flash.NewEngine(cs.mrw, cs.core, s.log)
	}
	return &Core{session: s, state: cs, name: name}, nil
}

// initDapCore brings up a DAP-addressed core (ARMv6-M/v7-M/v8-M/v8-A): a
// MEM-AP over the session's DP, then the matching arch.Core.
func (s *Session) initDapCore(ctx context.Context, cs *coreState, name string) error {
	if cs.mrw == nil {
		apAddr, err := s.resolveApAddress(cs.desc)
		if err != nil {
			return errors.Trace(err)
		}
		memAP := dap.NewMemAP(s.dp, apAddr, s.log)
		if err := s.runSeqPoint(ctx, seq.PointDebugPortSetup, memAP); err != nil {
			return errors.Trace(err)
		}
		if err := memAP.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to initialize MEM-AP for core %q", name)
		}
		cs.mrw = memAP
	}
	if cs.core == nil {
		var c arch.Core
		switch cs.desc.Type {
		case target.CoreArmv6M:
			c = armv7m.New(cs.mrw, armv7m.VariantV6M)
		case target.CoreArmv7M:
			c = armv7m.New(cs.mrw, armv7m.VariantV7M)
		case target.CoreArmv8M:
			c = armv7m.New(cs.mrw, armv7m.VariantV8MMainline)
		case target.CoreArmv8A:
			c = armv8a.New(cs.mrw, cs.desc.DebugBase, cs.desc.CtiBase)
		default:
			return errors.Errorf("core type %v has no arch.Core implementation wired in this session", cs.desc.Type)
		}
		if err := s.runSeqPoint(ctx, seq.PointDebugCoreStart, c); err != nil {
			return errors.Trace(err)
		}
		if err := c.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to initialize core %q", name)
		}
		cs.core = c
	}
	return nil
}

// initRiscvCore brings up a RISC-V hart over the probe's native DMI
// capability: no DP/MEM-AP involved, since the Debug Module and its
// System Bus Access block are reached directly through DMI.
func (s *Session) initRiscvCore(ctx context.Context, cs *coreState) error {
	dmi, ok := s.p.(probe.RiscvDebugInterface)
	if !ok {
		return errors.Errorf("probe has no RiscvDebugInterface capability, required for core %q", cs.desc.Name)
	}
	if cs.mrw == nil {
		cs.mrw = riscv.NewSBA(dmi)
	}
	if cs.core == nil {
		c := riscv.New(dmi, uint32(cs.desc.MemoryApAddress))
		if err := s.runSeqPoint(ctx, seq.PointDebugCoreStart, c); err != nil {
			return errors.Trace(err)
		}
		if err := c.Init(ctx); err != nil {
			return errors.Annotatef(err, "failed to initialize core %q", cs.desc.Name)
		}
		cs.core = c
	}
	return nil
}

// resolveApAddress treats CoreDescriptor.MemoryApAddress as an ADIv5 AP
// selector (the common case for every core type this session wires in
// today); ADIv6 system-addressed APs would need a widened CoreDescriptor
// field, not added since nothing in this module's target set needs it yet.
func (s *Session) resolveApAddress(desc target.CoreDescriptor) (dapaddr.ApAddress, error) {
	return dapaddr.ApV1Address(uint8(desc.MemoryApAddress)), nil
}

func (s *Session) runSeqPoint(ctx context.Context, point seq.Point, coreHandle interface{}) error {
	if s.seqSet == nil {
		return nil
	}
	_, err := s.seqSet.Run(ctx, point, seq.Context{Session: s, Core: coreHandle})
	return errors.Trace(err)
}

// invalidateAfterReset marks the core's cached RTT control block as no
// longer valid after a reset (a reset can re-lay-out RAM before the target
// reaches its RTT init call), so the next RTTChannel call rediscovers it.
// No other per-core cache is touched.
func (s *Session) invalidateAfterReset(cs *coreState) {
	cs.rttValidAfterReset = false
}
