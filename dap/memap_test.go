package dap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/probe"
)

// fakeDapAccess is a minimal in-memory DP+single-AP model: enough register
// state to satisfy DP.Init and MemAP.Init/ReadWord/WriteWord/ReadWords/
// WriteWords, with DRW reads/writes landing in a word-addressed backing
// store that auto-increments like the real TAR does.
type fakeDapAccess struct {
	ctrlStat uint32
	selectV  uint32
	csw      uint32
	tar      uint32
	base     uint32
	idr      uint32
	mem      map[uint32]uint32
}

func newFakeDapAccess() *fakeDapAccess {
	return &fakeDapAccess{csw: cswDeviceEn, base: 0xe00ff003, idr: 0x24770011, mem: map[uint32]uint32{}}
}

func (f *fakeDapAccess) readWord(addr uint32) uint32  { return f.mem[addr&^3] }
func (f *fakeDapAccess) writeWord(addr uint32, v uint32) { f.mem[addr&^3] = v }

func (f *fakeDapAccess) RawReadRegister(ctx context.Context, addr probe.RegAddr) (uint32, error) {
	if !addr.IsAP {
		switch addr.Address {
		case regDPIDR:
			return 0x2ba01477, nil
		case regCTRLSTAT:
			return f.ctrlStat, nil
		}
		return 0, nil
	}
	if addr.Bank == 0xf {
		switch addr.Address {
		case regBASE & 0xf:
			return f.base, nil
		case regIDR & 0xf:
			return f.idr, nil
		}
		return 0, nil
	}
	switch addr.Address {
	case regCSW:
		return f.csw, nil
	case regTAR:
		return f.tar, nil
	case regDRW:
		v := f.readWord(f.tar)
		f.tar += 4
		return v, nil
	}
	return 0, nil
}

func (f *fakeDapAccess) RawWriteRegister(ctx context.Context, addr probe.RegAddr, value uint32) error {
	if !addr.IsAP {
		switch addr.Address {
		case regCTRLSTAT:
			// A real DP only sets the ack bits once power is actually up;
			// the fake just reflects the request immediately.
			f.ctrlStat = value | ctrlStatCSYSPWRUPACK | ctrlStatCDBGPWRUPACK
		case regSELECT:
			f.selectV = value
		}
		return nil
	}
	switch addr.Address {
	case regCSW:
		f.csw = value
	case regTAR:
		f.tar = value
	case regDRW:
		f.writeWord(f.tar, value)
		f.tar += 4
	}
	return nil
}

func (f *fakeDapAccess) RawReadBlock(ctx context.Context, addr probe.RegAddr, count int) ([]uint32, error) {
	out := make([]uint32, count)
	if addr.IsAP && addr.Address == regDRW {
		for i := range out {
			out[i] = f.readWord(f.tar)
			f.tar += 4
		}
	}
	return out, nil
}

func (f *fakeDapAccess) RawWriteBlock(ctx context.Context, addr probe.RegAddr, values []uint32) error {
	if addr.IsAP && addr.Address == regDRW {
		for _, v := range values {
			f.writeWord(f.tar, v)
			f.tar += 4
		}
	}
	return nil
}

func (f *fakeDapAccess) RawFlush(ctx context.Context) error { return nil }
func (f *fakeDapAccess) MaxBlockSize() int                  { return 256 }

func newTestMemAP(t *testing.T) (*MemAP, *fakeDapAccess) {
	t.Helper()
	da := newFakeDapAccess()
	dp := NewDP(da, dapaddr.DefaultDP, nil)
	_, err := dp.Init(context.Background())
	require.NoError(t, err)
	m := NewMemAP(dp, dapaddr.ApV1Address(0), nil)
	require.NoError(t, m.Init(context.Background()))
	return m, da
}

func TestDPInitPowersUpAndClearsSelect(t *testing.T) {
	da := newFakeDapAccess()
	dp := NewDP(da, dapaddr.DefaultDP, nil)
	idr, err := dp.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2ba01477), idr)
	assert.True(t, dp.haveSelect)
	assert.Equal(t, uint32(0), dp.selectValue)
	pwrReq := uint32(ctrlStatCSYSPWRUPREQ | ctrlStatCDBGPWRUPREQ)
	assert.Equal(t, pwrReq, da.ctrlStat&pwrReq)
}

func TestMemAPWordRoundTrip(t *testing.T) {
	m, _ := newTestMemAP(t)
	ctx := context.Background()

	require.NoError(t, m.WriteWord(ctx, 0x20000000, 0xdeadbeef))
	v, err := m.ReadWord(ctx, 0x20000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestMemAPWordsRoundTripAcross4KiBBoundary(t *testing.T) {
	m, _ := newTestMemAP(t)
	ctx := context.Background()

	// Start a few words before a 4 KiB TAR-wrap boundary so the burst
	// spans it and exercises chunkTo4KiB's split.
	base := uint64(0x20000000 + fourKiB*4 - 8)
	values := []uint32{1, 2, 3, 4, 5, 6}
	require.NoError(t, m.WriteWords(ctx, base, values))

	got, err := m.ReadWords(ctx, base, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestMemAPBytesRoundTripUnaligned(t *testing.T) {
	m, _ := newTestMemAP(t)
	ctx := context.Background()

	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	addr := uint64(0x20000002) // unaligned start, crosses a word boundary
	require.NoError(t, m.WriteBytes(ctx, addr, data))

	got, err := m.ReadBytes(ctx, addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemAPReadBaseAddressAndIDRUseBank0xF(t *testing.T) {
	m, da := newTestMemAP(t)
	ctx := context.Background()

	base, err := m.ReadBaseAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, da.base, base)

	idr, err := m.ReadIDR(ctx)
	require.NoError(t, err)
	assert.Equal(t, da.idr, idr)
}

func TestMemAPRejectsAddressAbove32Bits(t *testing.T) {
	m, _ := newTestMemAP(t)
	ctx := context.Background()

	_, err := m.ReadWord(ctx, 0x1_0000_0000)
	assert.Error(t, err)
}
