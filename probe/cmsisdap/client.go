// Package cmsisdap implements (a subset of) the CMSIS-DAP probe command
// protocol: https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
//
// Ported from mos/flash/common/cmsis-dap/dap/cmsis_dap_client.go, the
// mos/flash/common/cmsis-dap's HID-only CMSIS-DAP client, generalized to run over any
// transport.Transport (HID report framing or USB-bulk-v2 framing) and to
// auto-negotiate the packet size by tolerating up to 16 timeouts and
// growing the buffer each retry, which cmsis_dap_client.go
// approximated with a single DAP_Info(PacketSize) query.
package cmsisdap

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/probecore/transport"
)

type command uint8

const (
	cmdInfo              command = 0x00
	cmdSetHostStatus      command = 0x01
	cmdConnect            command = 0x02
	cmdDisconnect         command = 0x03
	cmdTransferConfigure  command = 0x04
	cmdTransfer           command = 0x05
	cmdTransferBlock      command = 0x06
	cmdDelay              command = 0x09
	cmdResetTarget        command = 0x0a
	cmdSWJPins            command = 0x10
	cmdSWJClock           command = 0x11
	cmdSWJSequence        command = 0x12
	cmdSWDConfigure       command = 0x13
	cmdJTAGSequence       command = 0x14
	cmdJTAGConfigure      command = 0x15
)

// InfoID selects which DAP_Info string/value is queried.
type InfoID uint8

const (
	InfoVendorID      InfoID = 1
	InfoProductID     InfoID = 2
	InfoSerialNumber  InfoID = 3
	InfoFirmwareVer   InfoID = 4
	InfoTargetVendor  InfoID = 5
	InfoTargetName    InfoID = 6
	InfoPacketSize    InfoID = 0xff
)

// StatusType selects SetHostStatus's target LED.
type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

// ConnectMode selects which wire protocol Connect switches to.
type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

// TransferOp selects the operation encoded in a TransferRequest.
type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

// TransferRequest is one entry in a DAP_Transfer command.
type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8 // 2-bit register index * 4 (bits [3:2])
	Data uint32
}

// TransferStatus is DAP_Transfer's per-batch status byte.
type TransferStatus uint8

const transferStatusWait TransferStatus = 2

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == 1 && !ts.ProtocolError() && !ts.ValueMismatch()
}
func (ts TransferStatus) AckValue() uint8      { return uint8(ts & 7) }
func (ts TransferStatus) ProtocolError() bool  { return ts&8 != 0 }
func (ts TransferStatus) ValueMismatch() bool  { return ts&0x10 != 0 }

// Client speaks the CMSIS-DAP command/response protocol over a
// transport.Transport. The packet size starts at a conservative guess and
// is grown during Open's negotiation loop.
type Client struct {
	t             transport.Transport
	maxPacketSize int
	ioTimeout     time.Duration
}

// New wraps an already-open transport as a CMSIS-DAP client and negotiates
// the packet size.
func New(ctx context.Context, t transport.Transport) (*Client, error) {
	c := &Client{t: t, maxPacketSize: 8, ioTimeout: 2 * time.Second}
	// Some firmwares won't respond until a full-sized report arrives;
	// grow the guess on each timeout, up to 16 tries.
	sizesToTry := []int{8, 16, 32, 64, 128, 256, 512, 1024}
	lastErr := errors.Errorf("device never reported a usable packet size")
	for i := 0; i < 16; i++ {
		size := sizesToTry[i%len(sizesToTry)]
		c.maxPacketSize = size
		t.SetPacketSize(size)
		resp, err := c.GetInfo(ctx, InfoPacketSize)
		if err != nil {
			lastErr = err
			continue
		}
		var rl uint8
		var mps uint16
		binary.Read(resp, binary.LittleEndian, &rl)
		binary.Read(resp, binary.LittleEndian, &mps)
		if mps > 0 {
			c.maxPacketSize = int(mps)
			t.SetPacketSize(c.maxPacketSize)
			glog.V(2).Infof("negotiated packet size: %d", c.maxPacketSize)
			return c, nil
		}
	}
	return nil, errors.Annotatef(lastErr, "failed to negotiate packet size after 16 attempts")
}

func newCmd(cmd command) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{uint8(cmd)})
}

func (c *Client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()))
	if args.Len() > c.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", c.maxPacketSize, args.Len())
	}
	if _, err := c.t.Write(args.Bytes(), c.ioTimeout); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	resp := make([]byte, c.maxPacketSize)
	n, err := c.t.Read(resp, c.ioTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "device read failed")
	}
	resp = resp[:n]
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	cmd := args.Bytes()[0]
	if len(resp) == 0 || resp[0] != cmd {
		return nil, errors.Errorf("response to wrong command (want 0x%02x, got %v)", cmd, resp)
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (c *Client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 {
		return errors.Errorf("empty response")
	}
	status := resp.Bytes()[0]
	if status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", args.Bytes()[0], status)
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context, info InfoID) (*bytes.Buffer, error) {
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, uint8(info))
	resp, err := c.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (c *Client) GetInfoString(ctx context.Context, info InfoID) (string, error) {
	resp, err := c.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	var sl uint8
	binary.Read(resp, binary.LittleEndian, &sl)
	s := make([]uint8, sl)
	resp.Read(s)
	return string(s), nil
}

func (c *Client) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	binary.Write(args, binary.LittleEndian, uint8(st))
	v := uint8(0)
	if value {
		v = 1
	}
	binary.Write(args, binary.LittleEndian, v)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) Connect(ctx context.Context, mode ConnectMode) error {
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 || resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (c *Client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) doTransfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, errors.Errorf("req %d invalid reg 0x%x", i, req.Reg)
		}
		treq := req.Reg & 0xc
		haveData := true
		if req.AP {
			treq |= 1 << 0
		}
		switch req.Op {
		case OpRead:
			treq |= 1 << 1
			haveData = false
		case OpReadMatch:
			treq |= 1<<1 | 1<<4
		case OpWrite:
		case OpWriteMatch:
			treq |= 1 << 5
		}
		binary.Write(args, binary.LittleEndian, treq)
		if haveData {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return st, nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return st, nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(reqs), st)
	}
	if int(tc) != len(reqs) {
		return st, nil, errors.Errorf("not all transfers completed")
	}
	var data []uint32
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return st, data, nil
}

// Transfer issues a batch of register reads/writes. The firmware retries
// WAIT acknowledges itself up to the wait_retry count set by
// TransferConfigure; if the batch still ends in WAIT, Transfer reissues the
// whole batch up to waitRetries times, then surfaces the WAIT to the caller.
func (c *Client) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	const waitRetries = 5
	for i := 0; i < waitRetries; i++ {
		st, res, err := c.doTransfer(ctx, dapIndex, reqs)
		if err != nil && st == transferStatusWait {
			continue
		}
		return st, res, err
	}
	return transferStatusWait, nil, errors.Errorf("transfer timeout (WAIT retried %d times)", waitRetries)
}

// MaxBlockSize returns how many 32-bit words fit in one TransferBlock
// command given the current packet size.
func (c *Client) MaxBlockSize() int {
	headerLen := 1 /* cmd */ + 1 /* dap index */ + 2 /* count */ + 1 /* request */
	return (c.maxPacketSize - headerLen) / 4
}

func (c *Client) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) ([]uint32, error) {
	if length > c.MaxBlockSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", c.MaxBlockSize(), length)
	}
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	treq := uint8(reg&0xc) | 2
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return nil, errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, length, st)
	}
	if int(tc) != length {
		return nil, errors.Errorf("not all transfers completed")
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return nil, errors.Errorf("response is too short")
		}
		res = append(res, w)
	}
	return res, nil
}

func (c *Client) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) error {
	if reg&3 != 0 {
		return errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	treq := uint8(reg & 0xc)
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	for _, v := range data {
		binary.Write(args, binary.LittleEndian, v)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return errors.Errorf("response is too short")
	}
	if !st.Ok() {
		return errors.Errorf("transfer failed (tc %d/%d st 0x%02x)", tc, len(data), st)
	}
	if int(tc) != len(data) {
		return errors.Errorf("not all transfers completed")
	}
	return nil
}

func (c *Client) Delay(ctx context.Context, d time.Duration) error {
	micros := d.Nanoseconds() / 1000
	if micros > 65535 {
		return errors.Errorf("delay too large (%d us)", micros)
	}
	args := newCmd(cmdDelay)
	binary.Write(args, binary.LittleEndian, uint16(micros))
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) ResetTarget(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdResetTarget)))
}

func (c *Client) SWJClock(ctx context.Context, clockHz uint32) error {
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// SWJPins drives SWJ pins (mask selectMask) to levels in `out`, optionally
// waiting up to waitUs microseconds for the readback to match, and returns
// the pins read back.
func (c *Client) SWJPins(ctx context.Context, out, selectMask uint8, waitUs uint32) (uint8, error) {
	args := newCmd(cmdSWJPins)
	binary.Write(args, binary.LittleEndian, out)
	binary.Write(args, binary.LittleEndian, selectMask)
	binary.Write(args, binary.LittleEndian, waitUs)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if resp.Len() == 0 {
		return 0, errors.Errorf("empty response")
	}
	return resp.Bytes()[0], nil
}

func (c *Client) SWDConfigure(ctx context.Context, config uint8) error {
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) Close(ctx context.Context) error {
	return c.t.Close()
}
