package flash

import (
	"bytes"
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// Verify reads back a plan's sectors after programming and compares them
// against the intended data, generalizing mos/flash/esp/flasher/flash.go's
// post-write MD5 digest check (there compared a full image against flash
// content; here it's per-sector so a partial mismatch can be reported with
// the exact offending address rather than "the image" as a whole).
func Verify(ctx context.Context, mrw target.MemReaderWriter, plan *Plan, sink Sink) error {
	total := 0
	for _, sw := range plan.Sectors {
		total += len(sw.Data)
	}
	done := 0
	sink.OnFlashEvent(Event{Kind: EventVerifyStarted, BytesTotal: total})
	for _, sw := range plan.Sectors {
		addr := sw.SectorStart + uint32(sw.DataOffset)
		got, err := mrw.ReadBytes(ctx, uint64(addr), len(sw.Data))
		if err != nil {
			return errors.Annotatef(err, "failed to read back 0x%08x for verification", addr)
		}
		if !bytes.Equal(got, sw.Data) {
			mismatchAddr := addr + uint32(firstDiff(got, sw.Data))
			sink.OnFlashEvent(Event{Kind: EventVerifyMismatch, Address: mismatchAddr, Length: len(sw.Data)})
			return errors.Errorf("verification mismatch at 0x%08x", mismatchAddr)
		}
		done += len(sw.Data)
		sink.OnFlashEvent(Event{Kind: EventVerifyProgress, Address: addr, BytesDone: done, BytesTotal: total})
	}
	sink.OnFlashEvent(Event{Kind: EventVerifyComplete, BytesDone: done, BytesTotal: total})
	return nil
}

// firstDiff returns the index of the first byte at which a and b differ.
// Callers only invoke it once bytes.Equal has already reported a mismatch,
// so a and b are always the same length and some index is always returned.
func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return 0
}

// PreVerify checks whether a sector's existing content already matches
// what would be written, letting Run skip erase+program for it entirely —
// the sector-granularity analogue of mos/flash/esp/flasher/flash.go's
// dedupImages, which compared whole images against existing flash by MD5
// before deciding whether a chip-erase could be skipped.
func PreVerify(ctx context.Context, mrw target.MemReaderWriter, sw SectorWrite) (identical bool, err error) {
	existing, err := mrw.ReadBytes(ctx, uint64(sw.SectorStart+uint32(sw.DataOffset)), len(sw.Data))
	if err != nil {
		return false, errors.Annotatef(err, "failed to read 0x%08x for pre-verify", sw.SectorStart)
	}
	return digestSector(existing, sw.Data), nil
}
