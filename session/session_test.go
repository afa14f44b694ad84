package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/target"
)

// fakeProbe is a bare probe.Probe with no optional capabilities; embedding
// it and adding DapAccess/RiscvDebugInterface methods models exactly one
// capability at a time, the way a real single-transport probe driver does.
type fakeProbe struct {
	attached bool
}

func (f *fakeProbe) Info() probe.Info                                        { return probe.Info{Name: "fake"} }
func (f *fakeProbe) SelectProtocol(ctx context.Context, p probe.Protocol) error { return nil }
func (f *fakeProbe) SetSpeed(ctx context.Context, khz int) (int, error)       { return khz, nil }
func (f *fakeProbe) Attach(ctx context.Context) error                        { f.attached = true; return nil }
func (f *fakeProbe) Detach(ctx context.Context) error                        { return nil }
func (f *fakeProbe) Close() error                                            { return nil }

var _ probe.Probe = (*fakeProbe)(nil)

// fakeRiscvProbe adds a minimal DMI register file on top of fakeProbe, just
// enough for riscv.Core.Init/Halt/Run and riscv.SBA to operate against.
type fakeRiscvProbe struct {
	fakeProbe
	regs map[uint8]uint32
	mem  map[uint32]uint32
}

func newFakeRiscvProbe() *fakeRiscvProbe {
	return &fakeRiscvProbe{regs: map[uint8]uint32{}, mem: map[uint32]uint32{}}
}

const (
	testDmDmstatus   = 0x11
	testDmstatusAllhalted = 1 << 9
)

func (f *fakeRiscvProbe) DMIRead(ctx context.Context, addr uint8) (uint32, error) {
	if addr == testDmDmstatus {
		return testDmstatusAllhalted, nil // always report halted, keeps Halt/WaitHalted fast
	}
	return f.regs[addr], nil
}

func (f *fakeRiscvProbe) DMIWrite(ctx context.Context, addr uint8, value uint32) error {
	f.regs[addr] = value
	return nil
}

var _ probe.RiscvDebugInterface = (*fakeRiscvProbe)(nil)

func riscvTarget() *target.Target {
	return &target.Target{
		Name: "test-riscv-chip",
		Cores: []target.CoreDescriptor{
			{Name: "hart0", Type: target.CoreRiscV, MemoryApAddress: 0},
		},
	}
}

func TestOpenSkipsDapSetupForRiscvOnlyTarget(t *testing.T) {
	p := newFakeRiscvProbe()
	s, err := Open(context.Background(), p, dapaddr.DefaultDP, riscvTarget(), nil)
	require.NoError(t, err)
	assert.Nil(t, s.dp, "a RISC-V-only target must never bring up a DAP")
	assert.True(t, p.attached)
}

func TestOpenFailsWhenArmTargetProbeLacksDapAccess(t *testing.T) {
	armTgt := &target.Target{
		Name: "test-arm-chip",
		Cores: []target.CoreDescriptor{
			{Name: "core0", Type: target.CoreArmv7M, MemoryApAddress: 0},
		},
	}
	p := &fakeProbe{} // no DapAccess capability
	_, err := Open(context.Background(), p, dapaddr.DefaultDP, armTgt, nil)
	assert.Error(t, err)
}

func TestCoreLazilyInitializesRiscvCore(t *testing.T) {
	p := newFakeRiscvProbe()
	tgt := riscvTarget()
	s, err := Open(context.Background(), p, dapaddr.DefaultDP, tgt, nil)
	require.NoError(t, err)

	core, err := s.Core(context.Background(), "hart0")
	require.NoError(t, err)
	assert.NotNil(t, core.Memory(), "a RISC-V core must get an SBA-backed MemReaderWriter")
	assert.NotNil(t, core.ArchCore())

	// Re-borrowing the same core must not reinitialize it (no new arch.Core).
	again, err := s.Core(context.Background(), "hart0")
	require.NoError(t, err)
	assert.Same(t, core.state, again.state)
}

func TestCoreRejectsUnknownName(t *testing.T) {
	p := newFakeRiscvProbe()
	s, err := Open(context.Background(), p, dapaddr.DefaultDP, riscvTarget(), nil)
	require.NoError(t, err)
	_, err = s.Core(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestResetInvalidatesRttValidity(t *testing.T) {
	p := newFakeRiscvProbe()
	s, err := Open(context.Background(), p, dapaddr.DefaultDP, riscvTarget(), nil)
	require.NoError(t, err)
	core, err := s.Core(context.Background(), "hart0")
	require.NoError(t, err)

	core.state.rttValidAfterReset = true
	require.NoError(t, core.ResetHalt(context.Background()))
	assert.False(t, core.state.rttValidAfterReset)
}
