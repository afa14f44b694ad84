package cmsisdap

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/probe"
)

// respondingTransport lets each test supply its own Read behaviour while
// reusing Write/Drain/Close/SetPacketSize.
type respondingTransport struct {
	packetSize int
	lastWrite  []byte
	onRead     func(req []byte) []byte
}

func (r *respondingTransport) Read(buf []byte, timeout time.Duration) (int, error) {
	resp := r.onRead(r.lastWrite)
	return copy(buf, resp), nil
}

func (r *respondingTransport) Write(buf []byte, timeout time.Duration) (int, error) {
	r.lastWrite = append([]byte(nil), buf...)
	return len(buf), nil
}

func (r *respondingTransport) Drain() error        { return nil }
func (r *respondingTransport) SetPacketSize(n int) { r.packetSize = n }
func (r *respondingTransport) Close() error        { return nil }

func transferBlockReadResp(tc uint16, st TransferStatus, words ...uint32) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(uint8(cmdTransferBlock))
	binary.Write(buf, binary.LittleEndian, tc)
	binary.Write(buf, binary.LittleEndian, st)
	for _, w := range words {
		binary.Write(buf, binary.LittleEndian, w)
	}
	return buf.Bytes()
}

// TestAdapterRawReadBlockChunksAcrossMaxBlockSize backs an Adapter with a
// packet size small enough that a 10-word request needs two
// DAP_TransferBlock commands, and checks the halves are reassembled in
// order.
func TestAdapterRawReadBlockChunksAcrossMaxBlockSize(t *testing.T) {
	// headerLen=5, so MaxBlockSize = (packetSize-5)/4; packetSize=21 -> 4 words/command.
	words := []uint32{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	rt := &respondingTransport{packetSize: 21}
	calls := 0
	rt.onRead = func(req []byte) []byte {
		calls++
		// req: [cmd, dapIndex, lenLo, lenHi, treq]
		n := int(binary.LittleEndian.Uint16(req[2:4]))
		start := (calls - 1) * 4
		chunk := words[start : start+n]
		return transferBlockReadResp(uint16(n), 1, chunk...)
	}
	c := &Client{t: rt, maxPacketSize: 21, ioTimeout: time.Second}
	a := &Adapter{c: c}

	got, err := a.RawReadBlock(context.Background(), probe.RegAddr{IsAP: true, Address: regDRW}, len(words))
	require.NoError(t, err)
	assert.Equal(t, words, got)
	assert.Equal(t, 3, calls) // ceil(10/4) = 3 chunks
}

// TestAdapterRawWriteBlockChunksAcrossMaxBlockSize mirrors the read-side
// test for the write path, checking every word reaches the device across
// however many TransferBlock commands MaxBlockSize forces.
func TestAdapterRawWriteBlockChunksAcrossMaxBlockSize(t *testing.T) {
	var written []uint32
	rt := &respondingTransport{packetSize: 21}
	rt.onRead = func(req []byte) []byte {
		n := int(binary.LittleEndian.Uint16(req[2:4]))
		treqIdx := 5
		for i := 0; i < n; i++ {
			off := treqIdx + i*4
			written = append(written, binary.LittleEndian.Uint32(req[off:off+4]))
		}
		return transferBlockReadResp(uint16(n), 1)
	}
	c := &Client{t: rt, maxPacketSize: 21, ioTimeout: time.Second}
	a := &Adapter{c: c}

	values := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, a.RawWriteBlock(context.Background(), probe.RegAddr{IsAP: false, Address: regDRW}, values))
	assert.Equal(t, values, written)
}

// TestRegBytePacksAddressIgnoringBankBits checks only the in-bank A[3:2]
// bits survive into the CMSIS-DAP wire format; the bank itself is
// communicated by a prior SELECT write, not this field.
func TestRegBytePacksAddressIgnoringBankBits(t *testing.T) {
	assert.Equal(t, uint8(0x0c), regByte(probe.RegAddr{Address: 0x0c}))
	assert.Equal(t, uint8(0x08), regByte(probe.RegAddr{Bank: 0xf, Address: 0x08}))
}
