package seq

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// Microchip ATSAM D5x/E5x parts ship with NVM bootloader protection that
// can leave the Cortex-M4 bus fabric unclocked until the DSU (Device
// Service Unit) status register is polled once after a power-up reset;
// probing memory before that poll returns bus faults. This hook runs the
// poll at PointResetEnd before the default sequence attempts any memory
// access.
const (
	samd5xDsuStatusA = 0x41002101
	samd5xDsuStatusADone = 1 << 0
	samd5xDsuStatusACrstext = 1 << 1
)

func init() {
	Register(&Sequence{
		Name: "ATSAMD5x-E5x",
		Hooks: map[Point]Hook{
			PointResetEnd: samd5xWaitDsuReady,
		},
	})
}

func samd5xWaitDsuReady(ctx context.Context, sc Context) (bool, error) {
	mrw, ok := sc.Core.(target.MemReaderWriter)
	if !ok {
		return false, errors.Errorf("atsamd5x sequence needs a MemReaderWriter core handle")
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		b, err := mrw.ReadBytes(ctx, samd5xDsuStatusA, 1)
		if err != nil {
			return false, errors.Annotatef(err, "failed to read DSU.STATUSA")
		}
		if b[0]&samd5xDsuStatusADone != 0 {
			return false, nil
		}
	}
	return false, errors.Errorf("timed out waiting for DSU.STATUSA.DONE")
}
