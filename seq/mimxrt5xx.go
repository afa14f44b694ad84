package seq

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// NXP i.MX RT5xx parts gate AHB-AP access behind a debug mailbox that must
// be woken with a specific request/ack handshake before the DP's MEM-AP
// will respond to anything; skipping it manifests as AP transfers that
// silently read back zero. This hook runs at PointDebugPortSetup, before
// MemAP.Init.
const (
	mimxrt5xxDmBase          = 0x40002000
	mimxrt5xxDmRequest       = mimxrt5xxDmBase + 0x00
	mimxrt5xxDmReturn        = mimxrt5xxDmBase + 0x04
	mimxrt5xxDebugMailboxStart = 0x01
	mimxrt5xxMailboxReady      = 0x01
)

func init() {
	Register(&Sequence{
		Name: "MIMXRT5xx",
		Hooks: map[Point]Hook{
			PointDebugPortSetup: mimxrt5xxWakeDebugMailbox,
		},
	})
}

func mimxrt5xxWakeDebugMailbox(ctx context.Context, sc Context) (bool, error) {
	mrw, ok := sc.Core.(target.MemReaderWriter)
	if !ok {
		return false, errors.Errorf("mimxrt5xx sequence needs a MemReaderWriter core handle")
	}
	if err := mrw.WriteWord(ctx, mimxrt5xxDmRequest, mimxrt5xxDebugMailboxStart); err != nil {
		return false, errors.Annotatef(err, "failed to write debug mailbox request")
	}
	for i := 0; i < 100; i++ {
		v, err := mrw.ReadWord(ctx, mimxrt5xxDmReturn)
		if err != nil {
			continue // mailbox may NAK with a bus fault until awake; retry
		}
		if v&mimxrt5xxMailboxReady != 0 {
			return false, nil
		}
	}
	return false, errors.Errorf("debug mailbox did not become ready")
}
