package dap

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/log"
	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/target"
)

// MEM-AP register offsets within its bank-0 register window, ported from
// mos/flash/common/cmsis-dap/memap/cmsis_dap_memap.go's MemAPReg.
const (
	regCSW  = 0x00
	regTAR  = 0x04
	regDRW  = 0x0c
	regBD0  = 0x10
	regBD1  = 0x14
	regBD2  = 0x18
	regBD3  = 0x1c
	regBASE = 0xf8
	regIDR  = 0xfc
)

const (
	cswDeviceEn      = 1 << 6
	cswSize32        = 0x2
	cswAddrIncSingle = 0x1 << 4
	cswDefault       = 0x23000052 // size=32, AddrInc=single, + vendor-specific bits cmsis_dap_memap.go's Init() used
)

const fourKiB = 0x400 // word count, not bytes: matches cmsis_dap_memap.go's 0x400 TAR-wrap boundary

// MemAP is a memory-access port client: register windowing via SELECT,
// 4 KiB auto-increment boundary splitting, and pipelined block reads,
// generalized from mos/flash/common/cmsis-dap/memap/cmsis_dap_memap.go's
// memAPClient (which hardcoded APSEL 0) to the dapaddr-addressed
// FullyQualifiedApAddress any core's MemoryApAddress names. Addresses are
// taken and returned as uint64 to match target.MemReaderWriter (AArch64 and
// some RISC-V systems need more than 32 bits of address space); TAR itself
// is still a 32-bit register, so addresses above 4G are rejected.
type MemAP struct {
	mu  sync.Mutex
	dp  *DP
	ap  dapaddr.ApAddress
	log *log.Logger

	curBank  uint8
	haveBank bool
	tar      uint32
	haveTar  bool
}

var _ target.MemReaderWriter = (*MemAP)(nil)

func NewMemAP(dp *DP, ap dapaddr.ApAddress, logger *log.Logger) *MemAP {
	if logger == nil {
		logger = log.New(log.Discard)
	}
	return &MemAP{dp: dp, ap: ap, log: logger}
}

// Init verifies the AP responds and programs CSW for 32-bit single-increment
// accesses, the configuration mos/flash/common/cmsis-dap/memap's Init used.
func (m *MemAP) Init(ctx context.Context) error {
	csw, err := m.readRegBank0(ctx, regCSW)
	if err != nil {
		return errors.Annotatef(err, "failed to read CSW")
	}
	if csw&cswDeviceEn == 0 {
		m.log.Warnf("MEM-AP CSW.DeviceEn not set (0x%08x); proceeding anyway", csw)
	}
	if err := m.writeRegBank0(ctx, regCSW, cswDefault); err != nil {
		return errors.Annotatef(err, "failed to configure CSW")
	}
	m.haveTar = false
	return nil
}

// selectAPBank writes the DP's SELECT register's upper APSEL byte + our AP's
// register bank into bits [7:4] (APBANKSEL), invalidating DP's own bank cache
// since SELECT's DP-bank bits and AP-bank bits share the register.
func (m *MemAP) selectAPBank(ctx context.Context, bank uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.haveBank && m.curBank == bank {
		return nil
	}
	sel := (uint32(m.ap.V1Sel) << 24) | (uint32(bank) << 4)
	m.dp.invalidateSelectCache()
	if err := m.dp.writeRegLocked(ctx, regSELECT, sel); err != nil {
		m.haveBank = false
		return errors.Trace(err)
	}
	m.curBank = bank
	m.haveBank = true
	return nil
}

func (m *MemAP) readRegBank0(ctx context.Context, reg uint8) (uint32, error) {
	if err := m.selectAPBank(ctx, 0); err != nil {
		return 0, errors.Trace(err)
	}
	return m.dp.da.RawReadRegister(ctx, probe.RegAddr{IsAP: true, ApIndex: m.ap.V1Sel, Address: reg})
}

func (m *MemAP) writeRegBank0(ctx context.Context, reg uint8, value uint32) error {
	if err := m.selectAPBank(ctx, 0); err != nil {
		return errors.Trace(err)
	}
	return m.dp.da.RawWriteRegister(ctx, probe.RegAddr{IsAP: true, ApIndex: m.ap.V1Sel, Address: reg}, value)
}

func (m *MemAP) setTAR(ctx context.Context, addr uint32) error {
	if m.haveTar && m.tar == addr {
		return nil
	}
	if err := m.writeRegBank0(ctx, regTAR, addr); err != nil {
		m.haveTar = false
		return errors.Trace(err)
	}
	m.tar = addr
	m.haveTar = true
	return nil
}

// chunkTo4KiB splits [addr, addr+count*4) into runs that never cross a
// 4 KiB TAR auto-increment-wrap boundary, matching cmsis_dap_memap.go's
// `0x400-addr&0x3ff` chunk-size computation (0x400 words == 4 KiB, TAR
// auto-increments by word and wraps its low 12 bits).
func chunkTo4KiB(addr uint32, count int) []int {
	var chunks []int
	wordAddr := addr / 4
	for count > 0 {
		remaining := fourKiB - int(wordAddr&(fourKiB-1))
		n := count
		if n > remaining {
			n = remaining
		}
		chunks = append(chunks, n)
		wordAddr += uint32(n)
		count -= n
	}
	return chunks
}

// checkAddr32 rejects addresses that don't fit the 32-bit TAR register;
// every core this engine drives today (Cortex-M/A, RISC-V RV32) lives
// entirely below 4G.
func checkAddr32(addr uint64) (uint32, error) {
	if addr > 0xffffffff {
		return 0, errors.Errorf("address 0x%x exceeds the MEM-AP's 32-bit TAR", addr)
	}
	return uint32(addr), nil
}

func (m *MemAP) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	ws, err := m.ReadWords(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return ws[0], nil
}

func (m *MemAP) WriteWord(ctx context.Context, addr uint64, value uint32) error {
	return m.WriteWords(ctx, addr, []uint32{value})
}

// ReadWords performs a pipelined burst read: the "N-1 block reads plus a
// trailing RDBUFF read, discarding the speculative first value" pipelining
// is handled transparently inside probe.DapAccess.RawReadBlock by
// whichever probe backs this MemAP (CMSIS-DAP's TransferBlockRead already
// does this internally), so MemAP only needs to respect the 4 KiB
// boundary and TAR-caching.
func (m *MemAP) ReadWords(ctx context.Context, addr uint64, count int) ([]uint32, error) {
	a, err := checkAddr32(addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []uint32
	for _, n := range chunkTo4KiB(a, count) {
		if err := m.selectAPBank(ctx, 0); err != nil {
			return nil, errors.Trace(err)
		}
		if err := m.setTAR(ctx, a); err != nil {
			return nil, errors.Trace(err)
		}
		words, err := m.dp.da.RawReadBlock(ctx, probe.RegAddr{IsAP: true, ApIndex: m.ap.V1Sel, Address: regDRW}, n)
		if err != nil {
			m.haveTar = false
			return nil, errors.Annotatef(err, "failed to read %d words at 0x%08x", n, a)
		}
		out = append(out, words...)
		a += uint32(n) * 4
		m.tar = a
		if a&0xfff == 0 {
			m.haveTar = false
		}
	}
	return out, nil
}

func (m *MemAP) WriteWords(ctx context.Context, addr uint64, values []uint32) error {
	a, err := checkAddr32(addr)
	if err != nil {
		return errors.Trace(err)
	}
	off := 0
	for _, n := range chunkTo4KiB(a, len(values)) {
		if err := m.selectAPBank(ctx, 0); err != nil {
			return errors.Trace(err)
		}
		if err := m.setTAR(ctx, a); err != nil {
			return errors.Trace(err)
		}
		if err := m.dp.da.RawWriteBlock(ctx, probe.RegAddr{IsAP: true, ApIndex: m.ap.V1Sel, Address: regDRW}, values[off:off+n]); err != nil {
			m.haveTar = false
			return errors.Annotatef(err, "failed to write %d words at 0x%08x", n, a)
		}
		a += uint32(n) * 4
		m.tar = a
		if a&0xfff == 0 {
			m.haveTar = false
		}
		off += n
	}
	return nil
}

// ReadBytes/WriteBytes round out to word accesses at the boundaries; most
// debug-register and flash-algorithm traffic is word-aligned, but RTT
// buffer draining and core-dump reads are not.
func (m *MemAP) ReadBytes(ctx context.Context, addr uint64, n int) ([]byte, error) {
	a, err := checkAddr32(addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	startWord := a &^ 3
	endWord := (a + uint32(n) + 3) &^ 3
	wordCount := int((endWord - startWord) / 4)
	words, err := m.ReadWords(ctx, uint64(startWord), wordCount)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, wordCount*4)
	for i, w := range words {
		buf[i*4+0] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	return buf[a-startWord : a-startWord+uint32(n)], nil
}

func (m *MemAP) WriteBytes(ctx context.Context, addr uint64, data []byte) error {
	a, err := checkAddr32(addr)
	if err != nil {
		return errors.Trace(err)
	}
	startWord := a &^ 3
	endWord := (a + uint32(len(data)) + 3) &^ 3
	wordCount := int((endWord - startWord) / 4)
	existing, err := m.ReadWords(ctx, uint64(startWord), wordCount)
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, wordCount*4)
	for i, w := range existing {
		buf[i*4+0] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	copy(buf[a-startWord:], data)
	words := make([]uint32, wordCount)
	for i := range words {
		words[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return m.WriteWords(ctx, uint64(startWord), words)
}

// readCommonReg reads one of the AP's bank-0xF common registers (CFG, BASE,
// IDR), which live outside the bank-0 CSW/TAR/DRW window readRegBank0
// assumes: reg's top nibble selects the bank, its bottom nibble (always one
// of 0x0/0x4/0x8/0xC) is the in-bank offset RawReadRegister expects.
func (m *MemAP) readCommonReg(ctx context.Context, reg uint8) (uint32, error) {
	bank := reg >> 4
	if err := m.selectAPBank(ctx, bank); err != nil {
		return 0, errors.Trace(err)
	}
	return m.dp.da.RawReadRegister(ctx, probe.RegAddr{IsAP: true, ApIndex: m.ap.V1Sel, Bank: bank, Address: reg & 0xf})
}

func (m *MemAP) ReadBaseAddress(ctx context.Context) (uint32, error) {
	return m.readCommonReg(ctx, regBASE)
}

func (m *MemAP) ReadIDR(ctx context.Context) (uint32, error) {
	return m.readCommonReg(ctx, regIDR)
}
