package flash

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// Options controls a Run, mirroring the knobs
// mos/flash/esp/flasher/flash.go's Flash() took as explicit parameters
// (skip-if-identical, verify-after-write) rather than a config struct, kept
// here as a struct since this engine has more of them (pre-verify,
// post-write verify, erase granularity).
type Options struct {
	// SkipIdenticalSectors enables the PreVerify dedup pass: sectors whose
	// existing content already matches the intended data are neither
	// erased nor programmed.
	SkipIdenticalSectors bool
	// Verify reads every written sector back and compares it afterward.
	Verify bool
	// ChipErase uses the algorithm's EraseAll entry instead of per-sector
	// erase, when every sector in the plan is being written (a full-chip
	// reflash is usually faster as one chip erase than N sector erases).
	ChipErase bool
	BaseClock uint32
	FlashMode uint32
}

// Run executes a Plan end to end: load the algorithm, Init, erase (chip or
// per-sector), program each sector's pages, optionally verify, then UnInit
// (deferred; its error is not returned) —
// the flash-engine equivalent of mos/flash/esp/flasher/flash.go's Flash(),
// restructured around the CMSIS-Pack algorithm ABI instead of a fixed
// bootloader protocol.
func Run(ctx context.Context, engine *Engine, mrw target.MemReaderWriter, plan *Plan, opts Options, sink Sink) error {
	if sink == nil {
		sink = DiscardSink
	}
	total := 0
	for _, sw := range plan.Sectors {
		total += len(sw.Data)
	}
	sink.OnFlashEvent(Event{Kind: EventPlanStarted, BytesTotal: total})

	if err := engine.Load(ctx, plan.Algorithm); err != nil {
		return errors.Trace(err)
	}
	if err := engine.Init(ctx, opts.BaseClock, opts.FlashMode); err != nil {
		return errors.Annotatef(err, "flash algorithm init failed")
	}
	defer engine.UnInit(ctx, opts.FlashMode)

	toWrite := make([]SectorWrite, 0, len(plan.Sectors))
	if opts.SkipIdenticalSectors {
		for _, sw := range plan.Sectors {
			identical, err := PreVerify(ctx, mrw, sw)
			if err != nil {
				return errors.Trace(err)
			}
			if identical {
				sink.OnFlashEvent(Event{Kind: EventSkippedIdentical, Address: sw.SectorStart, Length: len(sw.Data)})
				continue
			}
			toWrite = append(toWrite, sw)
		}
	} else {
		toWrite = plan.Sectors
	}

	if err := eraseSectors(ctx, engine, plan, toWrite, opts, sink); err != nil {
		return errors.Trace(err)
	}

	if err := programSectors(ctx, engine, mrw, toWrite, sink, total); err != nil {
		return errors.Trace(err)
	}

	sink.OnFlashEvent(Event{Kind: EventPlanComplete, BytesTotal: total, BytesDone: total})

	if opts.Verify {
		return errors.Trace(Verify(ctx, mrw, plan, sink))
	}
	return nil
}

func eraseSectors(ctx context.Context, engine *Engine, plan *Plan, toWrite []SectorWrite, opts Options, sink Sink) error {
	sink.OnFlashEvent(Event{Kind: EventEraseStarted})
	if opts.ChipErase && len(toWrite) == len(plan.Sectors) && engine.loaded.HasChipErase() {
		if err := engine.EraseAll(ctx); err != nil {
			return errors.Annotatef(err, "chip erase failed")
		}
		sink.OnFlashEvent(Event{Kind: EventEraseComplete})
		return nil
	}
	erased := map[uint32]bool{}
	for _, sw := range toWrite {
		if erased[sw.SectorStart] {
			continue
		}
		if err := engine.EraseSector(ctx, sw.SectorStart); err != nil {
			return errors.Annotatef(err, "failed to erase sector 0x%08x", sw.SectorStart)
		}
		erased[sw.SectorStart] = true
		sink.OnFlashEvent(Event{Kind: EventEraseSector, Address: sw.SectorStart, Length: sw.SectorSize})
	}
	sink.OnFlashEvent(Event{Kind: EventEraseComplete})
	return nil
}

func programSectors(ctx context.Context, engine *Engine, mrw target.MemReaderWriter, toWrite []SectorWrite, sink Sink, total int) error {
	sink.OnFlashEvent(Event{Kind: EventProgramStarted, BytesTotal: total})
	done := 0
	for _, sw := range toWrite {
		pageSize := int(engine.loaded.FlashProperties.PageSize)
		addr := sw.SectorStart + uint32(sw.DataOffset)
		data := sw.Data
		if sw.NeedsRestore {
			full, err := restoreSector(ctx, mrw, sw)
			if err != nil {
				return errors.Trace(err)
			}
			addr = sw.SectorStart
			data = full
		}
		for len(data) > 0 {
			n := pageSize
			if n > len(data) {
				n = len(data)
			}
			if err := engine.ProgramPage(ctx, addr, data[:n]); err != nil {
				return errors.Annotatef(err, "failed to program page at 0x%08x", addr)
			}
			done += n
			sink.OnFlashEvent(Event{Kind: EventProgramPage, Address: addr, Length: n, BytesDone: done, BytesTotal: total})
			addr += uint32(n)
			data = data[n:]
		}
	}
	// The last page's ProgramPage call is still pending (overlap leaves
	// one call unwaited so the next page's upload could run concurrently
	// with it); collect it here before declaring programming complete.
	if err := engine.FinishPendingCall(ctx); err != nil {
		return errors.Trace(err)
	}
	sink.OnFlashEvent(Event{Kind: EventProgramComplete, BytesDone: done, BytesTotal: total})
	return nil
}

// restoreSector reads the whole sector, overlays the new data at its
// offset, and returns the merged content so a partial-sector write doesn't
// lose the bytes around it — the "keep unwritten bytes at their prior
// value" invariant a sector-erase-then-program cycle would otherwise
// violate.
func restoreSector(ctx context.Context, mrw target.MemReaderWriter, sw SectorWrite) ([]byte, error) {
	full, err := mrw.ReadBytes(ctx, uint64(sw.SectorStart), sw.SectorSize)
	if err != nil {
		// The sector was just erased, so a read failure here means the
		// device genuinely can't be read, not that there's nothing to
		// restore; surface it rather than silently zero-filling.
		return nil, errors.Annotatef(err, "failed to read sector 0x%08x for restore", sw.SectorStart)
	}
	copy(full[sw.DataOffset:], sw.Data)
	return full, nil
}
