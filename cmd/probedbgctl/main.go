// Command probedbgctl is a thin demo CLI over the probecore engine: pick a
// probe, attach, read one word of target memory or pulse the target's
// nRESET pin. It exists to
// exercise the library from a real main(), not as a full front-end — a
// complete CLI (target auto-detection, flashing from an ELF, an RTT
// terminal) is out of scope for this module, the same split
// mos/flash/common kept from mos/main.go's much larger CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/cesanta/probecore/dap"
	"github.com/cesanta/probecore/dapaddr"
	"github.com/cesanta/probecore/internal/ourutil"
	"github.com/cesanta/probecore/log"
	"github.com/cesanta/probecore/probe"
	"github.com/cesanta/probecore/probe/cmsisdap"
	"github.com/cesanta/probecore/transport"
)

var (
	vid       = flag.Uint16("vid", 0xc251, "probe USB vendor ID")
	pid       = flag.Uint16("pid", 0xf001, "probe USB product ID")
	useHID    = flag.Bool("hid", true, "use HID transport instead of USB bulk")
	speedKhz  = flag.Int("speed-khz", 4000, "SWD clock speed in kHz")
	readWordAddr = flag.String("read-word", "", "read one 32-bit word at this hex address and exit")
	confirmDestructive = flag.Bool("yes", false, "skip the confirmation prompt for destructive operations")
	pulseReset = flag.Bool("reset", false, "pulse the target's nRESET pin and exit")
)

func confirm(action string) bool {
	if *confirmDestructive {
		return true
	}
	ans := ourutil.Prompt(fmt.Sprintf("%s - are you sure? [y/N]", action))
	return strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		glog.Errorf("%s", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	logger := log.New(log.SinkFunc(func(level log.Level, msg string) {
		glog.Infof("[%s] %s", level, msg)
	}))

	var t transport.Transport
	var err error
	if *useHID {
		t, err = transport.OpenHID(*vid, *pid)
	} else {
		t, err = transport.OpenUSB(uint16ToGousbID(*vid), uint16ToGousbID(*pid), "", 1, 0, 0, 0)
	}
	if err != nil {
		return errors.Annotatef(err, "failed to open transport")
	}

	adapter, err := cmsisdap.Open(ctx, t, *vid, *pid, "")
	if err != nil {
		return errors.Annotatef(err, "failed to open CMSIS-DAP probe")
	}
	defer adapter.Close()
	ourutil.Reportf("attached to %s (serial %s)", adapter.Info().Name, ourutil.FirstN(adapter.Info().Serial, 16))

	if err := adapter.SelectProtocol(ctx, probe.ProtocolSWD); err != nil {
		return errors.Annotatef(err, "failed to select SWD protocol")
	}
	if _, err := adapter.SetSpeed(ctx, *speedKhz); err != nil {
		return errors.Annotatef(err, "failed to set speed")
	}
	if err := adapter.Attach(ctx); err != nil {
		return errors.Annotatef(err, "failed to attach")
	}
	defer adapter.Detach(ctx)

	if *pulseReset {
		if !confirm("reset the target") {
			return errors.Errorf("aborted")
		}
		if err := adapter.TargetResetAssert(ctx); err != nil {
			return errors.Annotatef(err, "failed to assert reset")
		}
		return adapter.TargetResetDeassert(ctx)
	}

	dp := dap.NewDP(adapter, dapaddr.DefaultDP, logger)
	idr, err := dp.Init(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to initialize debug port")
	}
	fmt.Printf("DPIDR: 0x%08x\n", idr)

	if *readWordAddr == "" {
		return nil
	}
	memAP := dap.NewMemAP(dp, dapaddr.ApV1Address(0), logger)
	if err := memAP.Init(ctx); err != nil {
		return errors.Annotatef(err, "failed to initialize MEM-AP")
	}
	addr, err := strconv.ParseUint(*readWordAddr, 0, 32)
	if err != nil {
		return errors.Annotatef(err, "invalid --read-word address")
	}
	v, err := memAP.ReadWord(ctx, addr)
	if err != nil {
		return errors.Annotatef(err, "failed to read memory")
	}
	fmt.Printf("0x%08x: 0x%08x\n", addr, v)
	return nil
}

func uint16ToGousbID(v uint16) gousb.ID { return gousb.ID(v) }
