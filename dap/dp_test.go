package dap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/probe"
)

// recordingDapAccess wraps fakeDapAccess to count SELECT writes, so bank
// caching behavior (selectBankLocked's "only write SELECT when the bank
// actually changes" optimization) is directly observable.
type recordingDapAccess struct {
	*fakeDapAccess
	selectWrites int
}

func (f *recordingDapAccess) RawWriteRegister(ctx context.Context, addr probe.RegAddr, value uint32) error {
	if !addr.IsAP && addr.Address == regSELECT {
		f.selectWrites++
	}
	return f.fakeDapAccess.RawWriteRegister(ctx, addr, value)
}

func TestDPReadRegCachesSelect(t *testing.T) {
	da := &recordingDapAccess{fakeDapAccess: newFakeDapAccess()}
	dp := NewDP(da, dapaddr.DefaultDP, nil)
	_, err := dp.Init(context.Background())
	require.NoError(t, err)

	before := da.selectWrites
	_, err = dp.ReadReg(context.Background(), 0, regCTRLSTAT)
	require.NoError(t, err)
	_, err = dp.ReadReg(context.Background(), 0, regCTRLSTAT)
	require.NoError(t, err)
	assert.Equal(t, before, da.selectWrites, "repeated reads of the same bank must not rewrite SELECT")

	_, err = dp.ReadReg(context.Background(), 2, regTARGETID)
	require.NoError(t, err)
	assert.Equal(t, before+1, da.selectWrites, "switching banks must rewrite SELECT")
}

func TestDPInvalidateSelectCacheForcesRewrite(t *testing.T) {
	da := &recordingDapAccess{fakeDapAccess: newFakeDapAccess()}
	dp := NewDP(da, dapaddr.DefaultDP, nil)
	_, err := dp.Init(context.Background())
	require.NoError(t, err)

	_, err = dp.ReadReg(context.Background(), 0, regCTRLSTAT)
	require.NoError(t, err)
	before := da.selectWrites

	dp.invalidateSelectCache()
	_, err = dp.ReadReg(context.Background(), 0, regCTRLSTAT)
	require.NoError(t, err)
	assert.Equal(t, before+1, da.selectWrites)
}
