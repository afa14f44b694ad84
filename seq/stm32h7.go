package seq

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// STM32H7: this hook is registered at PointResetCatchClear and sets
// DBGMCU_CR's DBG_STOP and DBG_STANDBY bits so the debug connection
// survives the core entering Stop or Standby mode. The session's reset path
// runs only PointResetStart and PointResetEnd, so this hook runs only when
// a caller runs PointResetCatchClear itself.
const (
	stm32h7DbgmcuCR  = 0x5C001004
	stm32h7DbgStopBits = (1 << 1) | (1 << 2) // DBG_STOP, DBG_STANDBY
)

func init() {
	Register(&Sequence{
		Name: "STM32H7",
		Hooks: map[Point]Hook{
			PointResetCatchClear: stm32h7EnableDebugDuringSleep,
		},
	})
}

func stm32h7EnableDebugDuringSleep(ctx context.Context, sc Context) (bool, error) {
	mrw, ok := sc.Core.(target.MemReaderWriter)
	if !ok {
		return false, errors.Errorf("stm32h7 sequence needs a MemReaderWriter core handle")
	}
	cur, err := mrw.ReadWord(ctx, stm32h7DbgmcuCR)
	if err != nil {
		return false, errors.Annotatef(err, "failed to read DBGMCU_CR")
	}
	if err := mrw.WriteWord(ctx, stm32h7DbgmcuCR, cur|stm32h7DbgStopBits); err != nil {
		return false, errors.Annotatef(err, "failed to set DBGMCU_CR debug-in-sleep bits")
	}
	return false, nil
}
