// Package dap implements the Debug Port and Access Port register protocol
// shared by every ARM debug probe, generalized from the CMSIS-DAP-specific
// clients in mos/flash/common/cmsis-dap/{dp,memap} to run over any
// probe.DapAccess. The dapaddr.DpAddress given to NewDP is stored but not
// used (no TARGETSEL write is made for multi-drop SWD), and MemAP addresses
// APs by their ADIv5 APSEL (ApAddress.V1Sel) only.
package dap

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/log"
	"github.com/cesanta/probecore/probe"
)

// DP register addresses (bank 0, the only bank DPv1 probes expose; DPv2
// adds TARGETID/DLPIDR/EVENTSTAT in higher banks).
const (
	regDPIDR      = 0x0 // read
	regABORT      = 0x0 // write
	regCTRLSTAT   = 0x4
	regSELECT     = 0x8
	regRDBUFF     = 0xc
	regTARGETSEL  = 0xc // write, JTAG-only in practice but harmless on SWD
	regTARGETID   = 0x4 // bank 2
	regDLPIDR     = 0x4 // bank 3 write... but read is bank 3 too; see spec
)

const (
	ctrlStatCSYSPWRUPACK = 1 << 31
	ctrlStatCSYSPWRUPREQ = 1 << 30
	ctrlStatCDBGPWRUPACK = 1 << 29
	ctrlStatCDBGPWRUPREQ = 1 << 28
	ctrlStatSTICKYERR    = 1 << 5
	ctrlStatStickyClearMask = 0x50000f00
)

// DP is a Debug Port client: SELECT-bank caching, sticky-error clearing on
// init, and CSYSPWRUPACK/CDBGPWRUPACK sequencing, ported from
// mos/flash/common/cmsis-dap/dp/cmsis_dap_dp.go's dpClient, generalized to
// the multi-drop-aware dapaddr.DpAddress and to work over any
// probe.DapAccess rather than a CMSIS-DAP-specific one.
type DP struct {
	mu   sync.Mutex
	da   probe.DapAccess
	addr dapaddr.DpAddress
	log  *log.Logger

	selectValue uint32
	haveSelect  bool
}

func NewDP(da probe.DapAccess, addr dapaddr.DpAddress, logger *log.Logger) *DP {
	if logger == nil {
		logger = log.New(log.Discard)
	}
	return &DP{da: da, addr: addr, log: logger}
}

// Init reads DPIDR, clears SELECT (caching the zero value), clears sticky
// errors, and powers up the debug and system domains, polling CTRL/STAT for
// the ack bits.
func (dp *DP) Init(ctx context.Context) (uint32, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.haveSelect = false

	idr, err := dp.readRegLocked(ctx, regDPIDR, false)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DPIDR")
	}
	dp.log.Debugf("DPIDR = 0x%08x", idr)

	if err := dp.writeRegLocked(ctx, regSELECT, 0); err != nil {
		return 0, errors.Annotatef(err, "failed to clear SELECT")
	}
	dp.selectValue = 0
	dp.haveSelect = true

	if err := dp.writeRegLocked(ctx, regABORT, ctrlStatStickyClearMask); err != nil {
		return 0, errors.Annotatef(err, "failed to clear sticky errors")
	}

	want := uint32(ctrlStatCSYSPWRUPREQ | ctrlStatCDBGPWRUPREQ)
	if err := dp.writeRegLocked(ctx, regCTRLSTAT, want); err != nil {
		return 0, errors.Annotatef(err, "failed to request power-up")
	}
	ackMask := uint32(ctrlStatCSYSPWRUPACK | ctrlStatCDBGPWRUPACK)
	for i := 0; i < 100; i++ {
		v, err := dp.readRegLocked(ctx, regCTRLSTAT, false)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if v&ackMask == ackMask {
			return idr, nil
		}
	}
	return 0, errors.Errorf("timed out waiting for power-up ack")
}

func (dp *DP) ReadReg(ctx context.Context, bank, address uint8) (uint32, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if err := dp.selectBankLocked(ctx, bank); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.readRegLocked(ctx, address, false)
}

func (dp *DP) WriteReg(ctx context.Context, bank, address uint8, value uint32) error {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if err := dp.selectBankLocked(ctx, bank); err != nil {
		return errors.Trace(err)
	}
	return dp.writeRegLocked(ctx, address, value)
}

func (dp *DP) readRegLocked(ctx context.Context, address uint8, ap bool) (uint32, error) {
	return dp.da.RawReadRegister(ctx, probe.RegAddr{IsAP: ap, Address: address})
}

func (dp *DP) writeRegLocked(ctx context.Context, address uint8, value uint32) error {
	return dp.da.RawWriteRegister(ctx, probe.RegAddr{Address: address}, value)
}

// selectBankLocked writes SELECT only when the requested bank differs from
// the cached value, same caching strategy as mos/flash/common/cmsis-dap's selectAP.
func (dp *DP) selectBankLocked(ctx context.Context, bank uint8) error {
	sel := uint32(bank) << 4
	if dp.haveSelect && dp.selectValue == sel {
		return nil
	}
	if err := dp.writeRegLocked(ctx, regSELECT, sel); err != nil {
		dp.haveSelect = false
		return errors.Trace(err)
	}
	dp.selectValue = sel
	dp.haveSelect = true
	return nil
}

// invalidateSelectCache forces the next access to rewrite SELECT; called by
// MemAP whenever it changes the AP-bank half of SELECT out from under DP's
// cache.
func (dp *DP) invalidateSelectCache() {
	dp.mu.Lock()
	dp.haveSelect = false
	dp.mu.Unlock()
}

func (dp *DP) DapAccess() probe.DapAccess { return dp.da }
