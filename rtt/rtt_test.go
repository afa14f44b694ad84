package rtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/internal/errkind"
	"github.com/cesanta/probecore/target"
)

// fakeMemory is a byte-addressable target.MemReaderWriter backed by a map,
// standing in for target RAM during control-block discovery and channel
// ring-buffer traffic.
type fakeMemory struct {
	bytes map[uint64]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{bytes: map[uint64]byte{}} }

func (m *fakeMemory) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	ws, err := m.ReadWords(ctx, addr, 1)
	if err != nil {
		return 0, err
	}
	return ws[0], nil
}

func (m *fakeMemory) WriteWord(ctx context.Context, addr uint64, v uint32) error {
	return m.WriteWords(ctx, addr, []uint32{v})
}

func (m *fakeMemory) ReadWords(ctx context.Context, addr uint64, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		b, err := m.ReadBytes(ctx, addr+uint64(i)*4, 4)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	return out, nil
}

func (m *fakeMemory) WriteWords(ctx context.Context, addr uint64, values []uint32) error {
	for i, v := range values {
		b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		if err := m.WriteBytes(ctx, addr+uint64(i)*4, b); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMemory) ReadBytes(ctx context.Context, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.bytes[addr+uint64(i)]
	}
	return out, nil
}

func (m *fakeMemory) WriteBytes(ctx context.Context, addr uint64, data []byte) error {
	for i, b := range data {
		m.bytes[addr+uint64(i)] = b
	}
	return nil
}

var _ target.MemReaderWriter = (*fakeMemory)(nil)

// These mirror a 32-bit-pointer descriptor's field offsets (PtrWidth==4),
// the layout every test in this file but the pointer-width ones exercises:
// name_ptr, pBuffer, size, write offset, read offset, flags.
const (
	testDescriptorSize = 24
	testOffBuffer      = 4
	testOffSize        = 8
	testOffWrOff       = 12
	testOffRdOff       = 16
	testOffFlags       = 20
)

// writeControlBlock lays out a minimal 32-bit-pointer control block with one
// up and one down channel at addr, each with its own ring buffer placed
// right after the descriptor table.
func writeControlBlock(t *testing.T, mem *fakeMemory, addr uint32, upSize, downSize uint32) (upBufAddr, downBufAddr uint32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.WriteBytes(ctx, uint64(addr), []byte(ControlBlockID)))
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+16), 1)) // MaxUp
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+20), 1)) // MaxDown

	descBase := addr + controlBlockHeaderSize
	upBufAddr = descBase + 2*testDescriptorSize
	downBufAddr = upBufAddr + upSize

	// up channel descriptor
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+testOffBuffer), upBufAddr))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+testOffSize), upSize))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+testOffWrOff), 0))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+testOffRdOff), 0))

	// down channel descriptor
	downDesc := descBase + testDescriptorSize
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+testOffBuffer), downBufAddr))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+testOffSize), downSize))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+testOffWrOff), 0))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+testOffRdOff), 0))

	return upBufAddr, downBufAddr
}

func TestDiscoverFindsControlBlockAndChannelCounts(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 64, 64)

	cb, err := Discover(context.Background(), mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20001000), cb.Address)
	assert.Equal(t, 1, cb.MaxUp)
	assert.Equal(t, 1, cb.MaxDown)
}

func TestDiscoverFailsWhenSentinelAbsent(t *testing.T) {
	mem := newFakeMemory()
	_, err := Discover(context.Background(), mem, 0x20000000, 0x1000, 4)
	assert.Error(t, err)
}

func TestDiscoverFindsSentinelSpanningChunkBoundary(t *testing.T) {
	mem := newFakeMemory()
	// chunkWords*4 == 1024 bytes per Discover's internal burst size; place
	// the control block so the sentinel straddles that boundary.
	writeControlBlock(t, mem, 0x20000000+1024-8, 32, 32)
	cb, err := Discover(context.Background(), mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000000+1024-8), cb.Address)
}

func TestChannelWriteThenReadRoundTrips(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()

	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)

	down, err := cb.OpenChannel(ctx, false, 0)
	require.NoError(t, err)
	n, err := down.Write(ctx, []byte("hello"), ModeNoBlockSkip)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// A real target would drain the down channel itself; directly flip the
	// channel under test to "up" semantics isn't possible, so verify via
	// the raw ring-buffer bytes it wrote instead.
	got, err := mem.ReadBytes(ctx, uint64(down.bufferAddr), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestChannelReadDrainsUpBuffer(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()

	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	up, err := cb.OpenChannel(ctx, true, 0)
	require.NoError(t, err)

	// Simulate the target having written "hi" and advanced WrOff.
	require.NoError(t, mem.WriteBytes(ctx, uint64(up.bufferAddr), []byte("hi")))
	addr := cb.channelAddr(true, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffWrOff), 2))

	buf := make([]byte, 16)
	n, err := up.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("hi"), buf[:n])
}

func TestChannelWriteWrapsRingBuffer(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 8, 8)
	ctx := context.Background()

	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	down, err := cb.OpenChannel(ctx, false, 0)
	require.NoError(t, err)

	addr := cb.channelAddr(false, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffWrOff), 6))
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffRdOff), 2))

	// free = rd - wr - 1 (mod size) = 2 - 6 - 1 + 8 = 3: only 3 of the 4
	// requested bytes fit, and the write must wrap across the buffer end.
	n, err := down.Write(ctx, []byte("ABCD"), ModeNoBlockTrim)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tail, err := mem.ReadBytes(ctx, uint64(down.bufferAddr+6), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), tail)
	head, err := mem.ReadBytes(ctx, uint64(down.bufferAddr), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("C"), head)

	newWr, err := mem.ReadWord(ctx, uint64(addr+testOffWrOff))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), newWr) // (6+3) % 8
}

func TestChannelWriteNoBlockSkipDropsOversizedWrite(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 4, 4)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	down, err := cb.OpenChannel(ctx, false, 0)
	require.NoError(t, err)

	n, err := down.Write(ctx, []byte("12345"), ModeNoBlockSkip)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestChannelReadFailsWithTaggedErrorWhenOffsetsExceedSize(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	up, err := cb.OpenChannel(ctx, true, 0)
	require.NoError(t, err)

	// Corrupt the write offset past the buffer size.
	addr := cb.channelAddr(true, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffWrOff), 99))

	buf := make([]byte, 16)
	_, err = up.Read(ctx, buf)
	require.Error(t, err)
	assert.Equal(t, errkind.Rtt, errkind.Of(err))
}

func TestChannelWriteFailsWithTaggedErrorWhenOffsetsExceedSize(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)
	down, err := cb.OpenChannel(ctx, false, 0)
	require.NoError(t, err)

	addr := cb.channelAddr(false, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffRdOff), 16))

	_, err = down.Write(ctx, []byte("x"), ModeNoBlockSkip)
	require.Error(t, err)
	assert.Equal(t, errkind.Rtt, errkind.Of(err))
}

func TestChannelNameReadsNulTerminatedString(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)

	nameAddr := uint32(0x20002000)
	require.NoError(t, mem.WriteBytes(ctx, uint64(nameAddr), append([]byte("Terminal"), 0)))
	descAddr := cb.channelAddr(true, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(descAddr), nameAddr))

	up, err := cb.OpenChannel(ctx, true, 0)
	require.NoError(t, err)
	name, err := up.Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Terminal", name)
}

func TestChannelNameEmptyWhenPointerIsNull(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)

	up, err := cb.OpenChannel(ctx, true, 0)
	require.NoError(t, err)
	name, err := up.Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestChannelSetModeUpdatesOnlyLowTwoBits(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()
	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 4)
	require.NoError(t, err)

	addr := cb.channelAddr(false, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+testOffFlags), 0xF0))

	down, err := cb.OpenChannel(ctx, false, 0)
	require.NoError(t, err)
	require.NoError(t, down.SetMode(ctx, ModeBlockIfFull))

	flags, err := mem.ReadWord(ctx, uint64(addr+testOffFlags))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xF2), flags)
}

// writeControlBlock64 lays out a control block using 8-byte pointer fields
// (name_ptr, pBuffer), the layout an AArch64 target's SEGGER_RTT_BUFFER_UP/
// DOWN uses.
func writeControlBlock64(t *testing.T, mem *fakeMemory, addr uint32, upSize, downSize uint32) (upBufAddr, downBufAddr uint32) {
	t.Helper()
	ctx := context.Background()
	const descSize = 32 // 2*8 (pointers) + 16 (size/write/read/flags)
	require.NoError(t, mem.WriteBytes(ctx, uint64(addr), []byte(ControlBlockID)))
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+16), 1))
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+20), 1))

	descBase := addr + controlBlockHeaderSize
	upBufAddr = descBase + 2*descSize
	downBufAddr = upBufAddr + upSize

	require.NoError(t, mem.WriteWords(ctx, uint64(descBase+8), []uint32{upBufAddr, 0}))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+16), upSize))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+20), 0))
	require.NoError(t, mem.WriteWord(ctx, uint64(descBase+24), 0))

	downDesc := descBase + descSize
	require.NoError(t, mem.WriteWords(ctx, uint64(downDesc+8), []uint32{downBufAddr, 0}))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+16), downSize))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+20), 0))
	require.NoError(t, mem.WriteWord(ctx, uint64(downDesc+24), 0))

	return upBufAddr, downBufAddr
}

func TestOpenChannelUsesEightBytePointerLayoutOnSixtyFourBitTargets(t *testing.T) {
	mem := newFakeMemory()
	writeControlBlock64(t, mem, 0x20001000, 16, 16)
	ctx := context.Background()

	cb, err := Discover(ctx, mem, 0x20000000, 0x4000, 8)
	require.NoError(t, err)

	up, err := cb.OpenChannel(ctx, true, 0)
	require.NoError(t, err)
	n, err := mem.ReadWord(ctx, 0) // sanity: descriptor reads didn't panic/misalign
	_ = n
	require.NoError(t, err)

	require.NoError(t, mem.WriteBytes(ctx, uint64(up.bufferAddr), []byte("hi")))
	addr := cb.channelAddr(true, 0)
	require.NoError(t, mem.WriteWord(ctx, uint64(addr+cb.offWrOff()), 2))

	buf := make([]byte, 16)
	n2, err := up.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n2)
	assert.Equal(t, []byte("hi"), buf[:n2])
}
