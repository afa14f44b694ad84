// Package dapaddr defines the address hierarchy used to name a Debug Port,
// an Access Port and a DP/AP register, independent of the wire protocol
// (SWD multidrop, JTAG scan-chain position, or AP v2 system address) used to
// reach them. None of mos/flash/common's code needed more than "the one AP on the
// one DP" (mongoose-os only ever drove a single Cortex-M over a single
// ST-Link/CMSIS-DAP probe), so this package has no direct precedent in mos/flash;
// it is built from the ADIv5/ADIv6 DapAddress hierarchy and consumed by dap.DP
// and dap.MemAP the same way mos/flash/common/cmsis-dap/dp consumed a bare
// uint8 AP selector.
package dapaddr

import "fmt"

// DpAddress names a Debug Port: either the only one on a plain SWD/JTAG
// chain, or one of several behind an SWD multidrop TARGETSEL.
type DpAddress struct {
	Multidrop bool
	TargetSel uint32
}

// DefaultDP addresses a non-multidrop, single Debug Port.
var DefaultDP = DpAddress{}

func MultidropDP(targetSel uint32) DpAddress {
	return DpAddress{Multidrop: true, TargetSel: targetSel}
}

func (a DpAddress) String() string {
	if !a.Multidrop {
		return "dp:default"
	}
	return fmt.Sprintf("dp:multidrop(0x%08x)", a.TargetSel)
}

// ApVersion distinguishes the legacy 8-bit AP-select scheme (ADIv5) from the
// system-address scheme (ADIv6 / AP v2, used on most Armv8-A/M-profile
// CoreSight SoCs with more than 256 possible APs).
type ApVersion int

const (
	ApV1 ApVersion = iota
	ApV2
)

// ApAddress names an Access Port on a given DP, in either addressing scheme.
type ApAddress struct {
	Version ApVersion
	V1Sel   uint8  // valid when Version == ApV1
	V2Addr  uint64 // valid when Version == ApV2: system address of the AP
}

func ApV1Address(sel uint8) ApAddress {
	return ApAddress{Version: ApV1, V1Sel: sel}
}

func ApV2Address(addr uint64) ApAddress {
	return ApAddress{Version: ApV2, V2Addr: addr}
}

func (a ApAddress) String() string {
	if a.Version == ApV1 {
		return fmt.Sprintf("ap:%d", a.V1Sel)
	}
	return fmt.Sprintf("ap:0x%x", a.V2Addr)
}

// FullyQualifiedApAddress names an AP unambiguously across multiple DPs.
type FullyQualifiedApAddress struct {
	DP DpAddress
	AP ApAddress
}

func (a FullyQualifiedApAddress) String() string {
	return fmt.Sprintf("%s/%s", a.DP, a.AP)
}

// RegisterKind distinguishes a DP register from an AP register within a
// RegisterAddress.
type RegisterKind int

const (
	DpRegisterKind RegisterKind = iota
	ApRegisterKind
)

// DpRegisterAddress names a banked DP register: 4-bit bank (selected via
// DP:SELECT) plus the 4-byte-aligned address within the bank.
type DpRegisterAddress struct {
	Bank    uint8
	Address uint8
}

// RegisterAddress names either a DP register (with its bank) or an AP
// register (addressed as a flat 64-bit offset so AP v2's bank scheme, which
// reuses the low bits of a system address, composes naturally).
type RegisterAddress struct {
	Kind RegisterKind
	Dp   DpRegisterAddress
	Ap   uint64
}

func DpRegister(bank, address uint8) RegisterAddress {
	return RegisterAddress{Kind: DpRegisterKind, Dp: DpRegisterAddress{Bank: bank, Address: address}}
}

func ApRegister(addr uint64) RegisterAddress {
	return RegisterAddress{Kind: ApRegisterKind, Ap: addr}
}

func (r RegisterAddress) String() string {
	if r.Kind == DpRegisterKind {
		return fmt.Sprintf("dp[bank=%d]:0x%02x", r.Dp.Bank, r.Dp.Address)
	}
	return fmt.Sprintf("ap:0x%x", r.Ap)
}
