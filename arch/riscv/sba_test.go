package riscv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDMI simulates the Debug Module's sbcs/sbaddress0/sbdata0 register
// trio against a word-addressed backing store: writing sbaddress0 (with
// sbreadonaddr set) or sbdata0 immediately completes the access, since
// there's no real bus latency to model.
type fakeDMI struct {
	regs map[uint8]uint32
	mem  map[uint32]uint32
}

func newFakeDMI() *fakeDMI {
	return &fakeDMI{regs: map[uint8]uint32{}, mem: map[uint32]uint32{}}
}

func (f *fakeDMI) DMIRead(ctx context.Context, addr uint8) (uint32, error) {
	return f.regs[addr], nil
}

func (f *fakeDMI) DMIWrite(ctx context.Context, addr uint8, value uint32) error {
	switch addr {
	case dmSbaddress0:
		f.regs[addr] = value
		if f.regs[dmSbcs]&sbcsSbreadonaddr != 0 {
			f.regs[dmSbdata0] = f.mem[value]
		}
	case dmSbdata0:
		f.regs[addr] = value
		if f.regs[dmSbcs]&sbcsSbreadonaddr == 0 {
			f.mem[f.regs[dmSbaddress0]] = value
		}
	default:
		f.regs[addr] = value
	}
	return nil
}

func TestSBAWordRoundTrip(t *testing.T) {
	dmi := newFakeDMI()
	sba := NewSBA(dmi)

	require.NoError(t, sba.WriteWord(context.Background(), 0x80000000, 0xcafef00d))
	v, err := sba.ReadWord(context.Background(), 0x80000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafef00d), v)
}

func TestSBAWordsRoundTrip(t *testing.T) {
	dmi := newFakeDMI()
	sba := NewSBA(dmi)
	values := []uint32{1, 2, 3, 4}
	require.NoError(t, sba.WriteWords(context.Background(), 0x80001000, values))
	got, err := sba.ReadWords(context.Background(), 0x80001000, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestSBABytesRoundTripUnaligned(t *testing.T) {
	dmi := newFakeDMI()
	sba := NewSBA(dmi)
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	addr := uint64(0x80002002)
	require.NoError(t, sba.WriteBytes(context.Background(), addr, data))
	got, err := sba.ReadBytes(context.Background(), addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSBAReadWordReportsStickyError(t *testing.T) {
	dmi := newFakeDMI()
	dmi.regs[dmSbcs] = 1 << 12 // sberror = 1, not busy
	sba := NewSBA(dmi)
	_, err := sba.ReadWord(context.Background(), 0x80000000)
	assert.Error(t, err)
}
