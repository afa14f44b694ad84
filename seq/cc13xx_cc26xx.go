package seq

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// TI CC13xx/CC26xx: this hook runs at PointDebugCoreStart, writes 1 to
// AON_WUC MMDCTL0 to request the JTAG power domain, and polls AON_WUC
// PWRSTAT bit 1 for up to 200 ms until the domain reports up. It issues no
// ICEPICK router or cJTAG configuration sequence.
const (
	cc13xxAonWucMmdCtl0 = 0x400470A8
	cc13xxAonWucPwrStat = 0x400470B0
	cc13xxPwrStatJtagPd = 1 << 1
)

func init() {
	Register(&Sequence{
		Name: "CC13xx-CC26xx",
		Hooks: map[Point]Hook{
			PointDebugCoreStart: cc13xxWakeJtagDomain,
		},
	})
}

func cc13xxWakeJtagDomain(ctx context.Context, sc Context) (bool, error) {
	mrw, ok := sc.Core.(target.MemReaderWriter)
	if !ok {
		return false, errors.Errorf("cc13xx sequence needs a MemReaderWriter core handle")
	}
	if err := mrw.WriteWord(ctx, cc13xxAonWucMmdCtl0, 1); err != nil {
		return false, errors.Annotatef(err, "failed to request JTAG power domain")
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		v, err := mrw.ReadWord(ctx, cc13xxAonWucPwrStat)
		if err != nil {
			continue
		}
		if v&cc13xxPwrStatJtagPd != 0 {
			return false, nil
		}
	}
	return false, errors.Errorf("JTAG power domain did not come up")
}
