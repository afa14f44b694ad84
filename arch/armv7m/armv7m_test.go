package armv7m

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/arch"
)

// fakeMem is a word-addressed target.MemReaderWriter standing in for a
// Cortex-M's debug register file: DHCSR tracks a halted flag so
// Halt/Run/WaitHalted see consistent S_HALT state, and every other
// register is a plain read/write cell.
type fakeMem struct {
	regs   map[uint64]uint32
	halted bool
}

func newFakeMem() *fakeMem {
	m := &fakeMem{regs: map[uint64]uint32{}}
	m.regs[regCPUID] = 0x410fc241 // ARM implementer, plausible Cortex-M part
	m.regs[regFPCTRL] = 0x20      // NUM_CODE low nibble = 2 comparators
	return m
}

func (m *fakeMem) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	if addr == regDHCSR {
		v := dhcsrSRegrdy
		if m.halted {
			v |= dhcsrSHalt
		}
		return uint32(v), nil
	}
	return m.regs[addr], nil
}

func (m *fakeMem) WriteWord(ctx context.Context, addr uint64, v uint32) error {
	if addr == regDHCSR {
		m.halted = v&dhcsrCHalt != 0
		return nil
	}
	m.regs[addr] = v
	return nil
}

func (m *fakeMem) ReadWords(ctx context.Context, addr uint64, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		v, err := m.ReadWord(ctx, addr+uint64(i)*4)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *fakeMem) WriteWords(ctx context.Context, addr uint64, values []uint32) error {
	for i, v := range values {
		if err := m.WriteWord(ctx, addr+uint64(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMem) ReadBytes(ctx context.Context, addr uint64, n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (m *fakeMem) WriteBytes(ctx context.Context, addr uint64, data []byte) error { return nil }

func TestInitRejectsNonArmCpuid(t *testing.T) {
	mem := newFakeMem()
	mem.regs[regCPUID] = 0x00000000
	c := New(mem, VariantV7M)
	assert.Error(t, c.Init(context.Background()))
}

func TestInitDetectsFPBComparatorCount(t *testing.T) {
	mem := newFakeMem()
	c := New(mem, VariantV7M)
	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, 2, c.fpCompCount)
}

func TestHaltThenIsHalted(t *testing.T) {
	mem := newFakeMem()
	c := New(mem, VariantV7M)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Halt(context.Background()))
	halted, err := c.IsHalted(context.Background())
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, c.Run(context.Background()))
	halted, err = c.IsHalted(context.Background())
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestReadWriteRegisterRoundTrip(t *testing.T) {
	mem := newFakeMem()
	c := New(mem, VariantV7M)
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, c.WriteRegister(context.Background(), arch.ByRole(arch.RoleStackPointer), 0x20001000))
	got, err := c.ReadRegister(context.Background(), arch.ByRole(arch.RoleStackPointer))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20001000), got)
}

func TestSetClearBreakpointUsesDistinctComparators(t *testing.T) {
	mem := newFakeMem()
	c := New(mem, VariantV7M)
	require.NoError(t, c.Init(context.Background()))

	h1, err := c.SetBreakpoint(context.Background(), 0x08000100)
	require.NoError(t, err)
	h2, err := c.SetBreakpoint(context.Background(), 0x08000200)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	// a third breakpoint must fail: only 2 comparators were detected
	_, err = c.SetBreakpoint(context.Background(), 0x08000300)
	assert.Error(t, err)

	require.NoError(t, c.ClearBreakpoint(context.Background(), h1))
	_, err = c.SetBreakpoint(context.Background(), 0x08000300)
	assert.NoError(t, err)
}

func TestHaltReasonReportsBreakpoint(t *testing.T) {
	mem := newFakeMem()
	c := New(mem, VariantV7M)
	require.NoError(t, c.Init(context.Background()))
	mem.regs[regDFSR] = dfsrBkpt

	reason, err := c.HaltReason(context.Background())
	require.NoError(t, err)
	assert.Equal(t, arch.HaltReasonBreakpoint, reason)
	// HaltReason clears DFSR by writing the bits back.
	assert.Equal(t, uint32(dfsrBkpt), mem.regs[regDFSR])
}
