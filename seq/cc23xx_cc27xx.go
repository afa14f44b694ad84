package seq

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// TI's newer CC23xx/CC27xx family replaced the ICEPICK wake-up with a
// single debug-security-unlock register (DBGSS.EN) that gates the MEM-AP
// entirely: unlike CC13xx/CC26xx's power-domain wake, an unwritten EN
// register makes the AP itself return AP_FAULT rather than zeros, so this
// must run before MemAP.Init's CSW probe, not after.
const (
	cc23xxDbgssEn   = 0x5020_0000
	cc23xxDbgssUnlockValue = 0x1ACCE551
)

func init() {
	Register(&Sequence{
		Name: "CC23xx-CC27xx",
		Hooks: map[Point]Hook{
			PointDebugPortSetup: cc23xxUnlockDebugSecurity,
		},
	})
}

func cc23xxUnlockDebugSecurity(ctx context.Context, sc Context) (bool, error) {
	mrw, ok := sc.Core.(target.MemReaderWriter)
	if !ok {
		return false, errors.Errorf("cc23xx sequence needs a MemReaderWriter core handle")
	}
	if err := mrw.WriteWord(ctx, cc23xxDbgssEn, cc23xxDbgssUnlockValue); err != nil {
		return false, errors.Annotatef(err, "failed to unlock debug security unit")
	}
	return false, nil
}
