// Package rtt implements SEGGER Real-Time Transfer: control-block discovery
// by scanning target RAM for a 16-byte ASCII sentinel, and reading/writing
// the up/down channel ring buffers it describes. No mos/flash file covers
// RTT; the wire layout follows SEGGER's public RTT documentation, and the
// Go shape (target.MemReaderWriter-backed, juju/errors annotation,
// context-bound blocking reads) follows the rest of this module.
package rtt

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/internal/errkind"
	"github.com/cesanta/probecore/target"
)

// ControlBlockID is the 16-byte ASCII sentinel every RTT control block
// starts with.
const ControlBlockID = "SEGGER RTT\x00\x00\x00\x00\x00\x00"

// Mode selects a down-channel's full-buffer behavior.
type Mode int

const (
	ModeNoBlockSkip Mode = 0
	ModeNoBlockTrim Mode = 1
	ModeBlockIfFull Mode = 2
)

// maxNameLength bounds how many bytes Name() reads from the target before
// giving up on finding a NUL terminator, so a corrupt or unterminated
// name_ptr can't turn into an unbounded read.
const maxNameLength = 128

// controlBlockHeaderSize covers the 16-byte ID plus the two channel counts
// (max up channels, max down channels), each a 32-bit word.
const controlBlockHeaderSize = 16 + 4 + 4

// ControlBlock locates an RTT control block in target RAM and exposes its
// channel geometry. PtrWidth is the target's native pointer width in bytes
// (4 for every Cortex-M/A and the RV32 profile arch/riscv implements, 8 for
// arch/armv8a's AArch64 core) — SEGGER_RTT_BUFFER_UP/DOWN carries two
// pointer-sized fields (name_ptr, pBuffer) ahead of the fixed 32-bit
// size/write/read/flags words, so the descriptor layout and stride both
// depend on it.
type ControlBlock struct {
	mrw      target.MemReaderWriter
	Address  uint32
	MaxUp    int
	MaxDown  int
	PtrWidth int
}

// descriptorSize is one channel descriptor's length in bytes: two
// PtrWidth-sized pointers followed by four 32-bit words (size, write offset,
// read offset, flags).
func (cb *ControlBlock) descriptorSize() uint32 {
	return uint32(2*cb.PtrWidth + 16)
}

// Field offsets within a channel descriptor. offName is always 0; the rest
// shift by PtrWidth once (past name_ptr) or twice (past name_ptr and
// pBuffer).
func (cb *ControlBlock) offBuffer() uint32 { return uint32(cb.PtrWidth) }
func (cb *ControlBlock) offSize() uint32   { return uint32(2 * cb.PtrWidth) }
func (cb *ControlBlock) offWrOff() uint32  { return uint32(2*cb.PtrWidth) + 4 }
func (cb *ControlBlock) offRdOff() uint32  { return uint32(2*cb.PtrWidth) + 8 }
func (cb *ControlBlock) offFlags() uint32  { return uint32(2*cb.PtrWidth) + 12 }

// Discover scans [start, start+length) on a 4-byte stride for the RTT
// sentinel, the method every RTT host tool uses since the control block's
// address isn't generally known without debug symbols (which this module
// doesn't consume). ptrWidth is the target's native pointer width in bytes
// (see ControlBlock.PtrWidth) and determines how the discovered block's
// channel descriptors are laid out.
func Discover(ctx context.Context, mrw target.MemReaderWriter, start uint32, length int, ptrWidth int) (*ControlBlock, error) {
	const stride = 4
	const chunkWords = 256 // read in bursts rather than word-at-a-time
	sentinel := []byte(ControlBlockID)

	var carry []byte
	for off := 0; off < length; off += chunkWords * 4 {
		n := chunkWords
		if remaining := (length - off) / 4; n > remaining {
			n = remaining
		}
		if n <= 0 {
			break
		}
		words, err := mrw.ReadWords(ctx, uint64(start+uint32(off)), n)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to scan 0x%08x for RTT control block", start+uint32(off))
		}
		buf := make([]byte, len(carry)+n*4)
		copy(buf, carry)
		for i, w := range words {
			base := len(carry) + i*4
			buf[base] = byte(w)
			buf[base+1] = byte(w >> 8)
			buf[base+2] = byte(w >> 16)
			buf[base+3] = byte(w >> 24)
		}
		if idx := indexOf(buf, sentinel, stride); idx >= 0 {
			addr := start + uint32(off) - uint32(len(carry)) + uint32(idx)
			return readControlBlock(ctx, mrw, addr, ptrWidth)
		}
		if len(buf) >= len(sentinel) {
			carry = buf[len(buf)-len(sentinel)+stride:]
		} else {
			carry = buf
		}
	}
	return nil, errors.Errorf("no RTT control block found in 0x%08x..0x%08x", start, start+uint32(length))
}

func indexOf(buf, sentinel []byte, stride int) int {
	for i := 0; i+len(sentinel) <= len(buf); i += stride {
		if equalBytes(buf[i:i+len(sentinel)], sentinel) {
			return i
		}
	}
	return -1
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readControlBlock(ctx context.Context, mrw target.MemReaderWriter, addr uint32, ptrWidth int) (*ControlBlock, error) {
	if ptrWidth != 4 && ptrWidth != 8 {
		return nil, errors.Errorf("unsupported RTT pointer width %d", ptrWidth)
	}
	words, err := mrw.ReadWords(ctx, uint64(addr+16), 2)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read channel counts at 0x%08x", addr)
	}
	return &ControlBlock{
		mrw:      mrw,
		Address:  addr,
		MaxUp:    int(words[0]),
		MaxDown:  int(words[1]),
		PtrWidth: ptrWidth,
	}, nil
}

func (cb *ControlBlock) channelAddr(up bool, index int) uint32 {
	base := cb.Address + controlBlockHeaderSize
	if !up {
		base += uint32(cb.MaxUp) * cb.descriptorSize()
	}
	return base + uint32(index)*cb.descriptorSize()
}

// Channel is one up (target-to-host) or down (host-to-target) ring buffer.
type Channel struct {
	cb    *ControlBlock
	up    bool
	index int

	nameAddr   uint32
	bufferAddr uint32
	size       uint32
}

// readPtrField pulls a pointer-sized field out of a raw channel descriptor
// (as returned by ReadWords, one uint32 per word), combining the low and
// high words into a uint64 for an 8-byte pointer before truncating back to
// the uint32 address space this package addresses targets in throughout.
func readPtrField(desc []uint32, wordOffset int, ptrWidth int) uint32 {
	if ptrWidth == 8 {
		v := uint64(desc[wordOffset]) | uint64(desc[wordOffset+1])<<32
		return uint32(v)
	}
	return desc[wordOffset]
}

// OpenChannel reads a channel's descriptor once (buffer address and size
// are fixed after the target sets the channel up; only the read/write
// offsets move).
func (cb *ControlBlock) OpenChannel(ctx context.Context, up bool, index int) (*Channel, error) {
	desc, err := cb.mrw.ReadWords(ctx, uint64(cb.channelAddr(up, index)), int(cb.descriptorSize()/4))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read channel descriptor")
	}
	ptrWords := cb.PtrWidth / 4
	size := desc[cb.offSize()/4]
	if size == 0 {
		return nil, errors.Errorf("channel %d (up=%v) is not configured (size 0)", index, up)
	}
	return &Channel{
		cb:         cb,
		up:         up,
		index:      index,
		nameAddr:   readPtrField(desc, 0, cb.PtrWidth),
		bufferAddr: readPtrField(desc, ptrWords, cb.PtrWidth),
		size:       size,
	}, nil
}

// Name reads the channel's name_ptr and fetches the NUL-terminated string it
// points to, stopping after maxNameLength bytes if no NUL is found. A
// channel with a null name pointer (some SEGGER configurations leave it
// unset) reports an empty name rather than an error.
func (ch *Channel) Name(ctx context.Context) (string, error) {
	if ch.nameAddr == 0 {
		return "", nil
	}
	raw, err := ch.cb.mrw.ReadBytes(ctx, uint64(ch.nameAddr), maxNameLength)
	if err != nil {
		return "", errors.Annotatef(err, "failed to read channel %d name at 0x%08x", ch.index, ch.nameAddr)
	}
	if nul := indexByte(raw, 0); nul >= 0 {
		raw = raw[:nul]
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// SetMode changes a channel's full-buffer behavior by read-modify-writing
// its flags word: the low two bits carry the Mode, the rest are left alone.
func (ch *Channel) SetMode(ctx context.Context, mode Mode) error {
	addr := ch.cb.channelAddr(ch.up, ch.index)
	flags, err := ch.cb.mrw.ReadWord(ctx, uint64(addr+ch.cb.offFlags()))
	if err != nil {
		return errors.Annotatef(err, "failed to read channel %d flags", ch.index)
	}
	flags = flags&^uint32(0x3) | uint32(mode)&0x3
	if err := ch.cb.mrw.WriteWord(ctx, uint64(addr+ch.cb.offFlags()), flags); err != nil {
		return errors.Annotatef(err, "failed to write channel %d flags", ch.index)
	}
	return nil
}

// readOffsets reads a channel's write and read offsets and validates them
// against the channel's buffer size: a corrupted or not-yet-initialized
// control block can carry an offset >= size, and the ring-buffer wraparound
// math below (ch.size - rd / ch.size - wr) underflows into a huge uint32 if
// that's ever allowed through uncaught.
func (ch *Channel) readOffsets(ctx context.Context) (wr, rd uint32, err error) {
	addr := ch.cb.channelAddr(ch.up, ch.index)
	words, err := ch.cb.mrw.ReadWords(ctx, uint64(addr+ch.cb.offWrOff()), 2)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	wr, rd = words[0], words[1]
	if wr >= ch.size || rd >= ch.size {
		return 0, 0, errkind.Tag(errkind.Rtt, "rtt.readOffsets",
			errors.Errorf("channel %d control block corrupted: write=%d read=%d size=%d", ch.index, wr, rd, ch.size))
	}
	return wr, rd, nil
}

// Read drains available bytes from an up channel's ring buffer into buf,
// returning how many bytes were read (0 if none are available; callers
// poll or use ReadBlocking for a context-bound wait).
func (ch *Channel) Read(ctx context.Context, buf []byte) (int, error) {
	if !ch.up {
		return 0, errors.Errorf("channel %d is a down channel, not readable", ch.index)
	}
	wr, rd, err := ch.readOffsets(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	avail := int(wr) - int(rd)
	if avail < 0 {
		avail += int(ch.size)
	}
	if avail == 0 {
		return 0, nil
	}
	n := avail
	if n > len(buf) {
		n = len(buf)
	}
	if rd+uint32(n) <= ch.size {
		data, err := ch.cb.mrw.ReadBytes(ctx, uint64(ch.bufferAddr+rd), n)
		if err != nil {
			return 0, errors.Trace(err)
		}
		copy(buf, data)
	} else {
		firstPart := ch.size - rd
		data1, err := ch.cb.mrw.ReadBytes(ctx, uint64(ch.bufferAddr+rd), int(firstPart))
		if err != nil {
			return 0, errors.Trace(err)
		}
		data2, err := ch.cb.mrw.ReadBytes(ctx, uint64(ch.bufferAddr), n-int(firstPart))
		if err != nil {
			return 0, errors.Trace(err)
		}
		copy(buf, data1)
		copy(buf[firstPart:], data2)
	}
	newRd := (rd + uint32(n)) % ch.size
	addr := ch.cb.channelAddr(ch.up, ch.index)
	if err := ch.cb.mrw.WriteWord(ctx, uint64(addr+ch.cb.offRdOff()), newRd); err != nil {
		return 0, errors.Annotatef(err, "failed to advance read offset")
	}
	return n, nil
}

// ReadBlocking polls Read until data arrives or the context is canceled,
// the mode RTT-over-debug-probe consumers normally want since there's no
// interrupt to wait on.
func (ch *Channel) ReadBlocking(ctx context.Context, buf []byte, pollInterval time.Duration) (int, error) {
	for {
		n, err := ch.Read(ctx, buf)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Write pushes bytes into a down channel's ring buffer, honoring its Mode:
// NoBlockSkip drops the whole write if it doesn't fit, NoBlockTrim writes
// as much as fits, BlockIfFull waits for space.
func (ch *Channel) Write(ctx context.Context, data []byte, mode Mode) (int, error) {
	if ch.up {
		return 0, errors.Errorf("channel %d is an up channel, not writable", ch.index)
	}
	for {
		wr, rd, err := ch.readOffsets(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		free := int(rd) - int(wr) - 1
		if free < 0 {
			free += int(ch.size)
		}
		n := len(data)
		switch mode {
		case ModeNoBlockSkip:
			if n > free {
				return 0, nil
			}
		case ModeNoBlockTrim:
			if n > free {
				n = free
			}
		case ModeBlockIfFull:
			if free == 0 {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
				continue
			}
			if n > free {
				n = free
			}
		}
		if n == 0 {
			return 0, nil
		}
		if wr+uint32(n) <= ch.size {
			if err := ch.cb.mrw.WriteBytes(ctx, uint64(ch.bufferAddr+wr), data[:n]); err != nil {
				return 0, errors.Trace(err)
			}
		} else {
			firstPart := ch.size - wr
			if err := ch.cb.mrw.WriteBytes(ctx, uint64(ch.bufferAddr+wr), data[:firstPart]); err != nil {
				return 0, errors.Trace(err)
			}
			if err := ch.cb.mrw.WriteBytes(ctx, uint64(ch.bufferAddr), data[firstPart:n]); err != nil {
				return 0, errors.Trace(err)
			}
		}
		newWr := (wr + uint32(n)) % ch.size
		addr := ch.cb.channelAddr(ch.up, ch.index)
		if err := ch.cb.mrw.WriteWord(ctx, uint64(addr+ch.cb.offWrOff()), newWr); err != nil {
			return 0, errors.Annotatef(err, "failed to advance write offset")
		}
		return n, nil
	}
}
