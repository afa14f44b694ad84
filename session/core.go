package session

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/arch"
	"github.com/cesanta/probecore/flash"
	"github.com/cesanta/probecore/rtt"
	"github.com/cesanta/probecore/seq"
	"github.com/cesanta/probecore/target"
)

// Core is a transient handle onto one core's debug state, borrowed from a
// Session. Cheap to re-borrow; the expensive per-core setup lives in
// Session.cores and is only done once.
type Core struct {
	session *Session
	state   *coreState
	name    string
}

func (c *Core) Name() string { return c.name }

func (c *Core) ArchCore() arch.Core { return c.state.core }

func (c *Core) Memory() target.MemReaderWriter { return c.state.mrw }

func (c *Core) Halt(ctx context.Context) error { return c.state.core.Halt(ctx) }
func (c *Core) Run(ctx context.Context) error  { return c.state.core.Run(ctx) }
func (c *Core) Step(ctx context.Context) error { return c.state.core.Step(ctx) }

// ResetHalt/ResetRun reset the core and invalidate any state a reset
// invalidates (RTT control-block address validity), per
// Session.invalidateAfterReset.
func (c *Core) ResetHalt(ctx context.Context) error {
	if err := c.runSeqAround(ctx, func() error { return c.state.core.ResetHalt(ctx) }); err != nil {
		return errors.Trace(err)
	}
	c.session.invalidateAfterReset(c.state)
	return nil
}

func (c *Core) ResetRun(ctx context.Context) error {
	if err := c.runSeqAround(ctx, func() error { return c.state.core.ResetRun(ctx) }); err != nil {
		return errors.Trace(err)
	}
	c.session.invalidateAfterReset(c.state)
	return nil
}

func (c *Core) runSeqAround(ctx context.Context, fn func() error) error {
	if err := c.session.runSeqPoint(ctx, seq.PointResetStart, c.state.core); err != nil {
		return errors.Trace(err)
	}
	if err := fn(); err != nil {
		return errors.Trace(err)
	}
	return c.session.runSeqPoint(ctx, seq.PointResetEnd, c.state.core)
}

func (c *Core) IsHalted(ctx context.Context) (bool, error) { return c.state.core.IsHalted(ctx) }

func (c *Core) HaltReason(ctx context.Context) (arch.HaltReason, error) {
	return c.state.core.HaltReason(ctx)
}

func (c *Core) ReadRegister(ctx context.Context, id arch.RegisterId) (uint64, error) {
	return c.state.core.ReadRegister(ctx, id)
}

func (c *Core) WriteRegister(ctx context.Context, id arch.RegisterId, value uint64) error {
	return c.state.core.WriteRegister(ctx, id, value)
}

// Flash runs a flash.Plan against this core's memory, reusing the loaded
// algorithm across calls (see flash.Engine.Load's idempotence) so an
// erase-then-program pair issued as two Flash calls doesn't reload.
func (c *Core) Flash(ctx context.Context, algo *target.FlashAlgorithm, images []flash.Image, opts flash.Options, sink flash.Sink) error {
	plan, err := flash.BuildPlan(algo, images)
	if err != nil {
		return errors.Trace(err)
	}
	c.state.flashDirty = true
	return flash.Run(ctx, c.state.flashEngine, c.state.mrw, plan, opts, sink)
}

// RTTChannel discovers (if needed) the RTT control block in [start,length)
// and opens one channel. The control block is rediscovered when none is
// cached, when rediscover=true, or after a session reset (ResetHalt/
// ResetRun clear its validity); RTT state isn't assumed valid across a
// reset.
func (c *Core) RTTChannel(ctx context.Context, searchStart uint32, searchLength int, up bool, index int, rediscover bool) (*rtt.Channel, error) {
	if c.state.rttBlock == nil || rediscover || !c.state.rttValidAfterReset {
		cb, err := rtt.Discover(ctx, c.state.mrw, searchStart, searchLength, c.state.desc.Type.PointerWidth())
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.state.rttBlock = cb
		c.state.rttValidAfterReset = true
	}
	return c.state.rttBlock.OpenChannel(ctx, up, index)
}
