package flash

import (
	"bytes"
	"crypto/md5"

	"github.com/juju/errors"

	"github.com/cesanta/probecore/target"
)

// Image is one contiguous blob destined for a flash address, the
// generalized form of mos/flash/esp/flasher/flash.go's image{addr,data}
// (that struct also carried a `part` manifest-entry pointer this engine
// has no equivalent for, since target descriptions aren't this module's
// concern).
type Image struct {
	Address uint32
	Data    []byte
}

// byAddr sorts Images the same way mos/flash/esp/flasher/flash.go's
// imagesByAddr did, a precondition for both overlap checking and the
// sequential work-list walk below.
type byAddr []Image

func (a byAddr) Len() int           { return len(a) }
func (a byAddr) Less(i, j int) bool { return a[i].Address < a[j].Address }
func (a byAddr) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }

// SectorWrite is one sector-aligned unit of the work list: the sector's
// bounds, the sub-slice of image data landing in it (may be shorter than
// the sector if the image doesn't fill it), and whether existing flash
// content must be preserved around the image (partial-sector writes that
// don't start at SectorStart need a read-modify-write restore, mirroring
// CMSIS-Pack flashing tools' "keep unwritten bytes at erased-or-prior
// value" invariant).
type SectorWrite struct {
	SectorStart  uint32
	SectorSize   int
	DataOffset   int // offset within SectorStart..SectorStart+SectorSize where Data begins
	Data         []byte
	NeedsRestore bool // true if Data doesn't cover the whole sector
}

// Plan is an ordered, sector-aligned work list for one or more Images
// against a single target.FlashAlgorithm's geometry.
type Plan struct {
	Algorithm *target.FlashAlgorithm
	Sectors   []SectorWrite
}

// BuildPlan validates the images against the algorithm's address range and
// walks its SectorDescription grid to produce an ordered per-sector work
// list, generalizing sanityCheckImages's overlap/fit checks (no alignment
// check is made) from
// ESP's flat-offset model to target.FlashProperties.SectorAt's grid.
func BuildPlan(algo *target.FlashAlgorithm, images []Image) (*Plan, error) {
	sorted := make([]Image, len(images))
	copy(sorted, images)
	sortImages(sorted)

	if err := sanityCheckImages(algo, sorted); err != nil {
		return nil, errors.Trace(err)
	}

	plan := &Plan{Algorithm: algo}
	for _, img := range sorted {
		sectors, err := sectorsFor(algo, img)
		if err != nil {
			return nil, errors.Trace(err)
		}
		plan.Sectors = append(plan.Sectors, sectors...)
	}
	return plan, nil
}

func sortImages(images []Image) {
	// insertion sort: image counts are small (single digits to low
	// hundreds), and this keeps the dependency list free of "sort".
	for i := 1; i < len(images); i++ {
		for j := i; j > 0 && images[j].Address < images[j-1].Address; j-- {
			images[j], images[j-1] = images[j-1], images[j]
		}
	}
}

// sanityCheckImages rejects images that don't fit the algorithm's declared
// range or that overlap each other; images that merely share a sector are
// not rejected. Mirrors
// mos/flash/esp/flasher/flash.go's sanityCheckImages.
func sanityCheckImages(algo *target.FlashAlgorithm, sorted []Image) error {
	r := algo.FlashProperties.Range
	for i, img := range sorted {
		end := uint64(img.Address) + uint64(len(img.Data))
		if uint64(img.Address) < r.Start || end > r.End {
			return errors.Errorf("image at 0x%08x..0x%08x does not fit flash range 0x%08x..0x%08x",
				img.Address, end, r.Start, r.End)
		}
		if i > 0 {
			prevEnd := sorted[i-1].Address + uint32(len(sorted[i-1].Data))
			if img.Address < prevEnd {
				return errors.Errorf("image at 0x%08x overlaps previous image ending at 0x%08x", img.Address, prevEnd)
			}
		}
	}
	return nil
}

// sectorsFor walks algo's SectorDescription grid (target.FlashProperties.
// SectorAt, addressed in the target's 64-bit address space) and emits the
// 32-bit-addressed SectorWrites the rest of this engine works in; every
// flash region this module targets fits below 4G.
func sectorsFor(algo *target.FlashAlgorithm, img Image) ([]SectorWrite, error) {
	var out []SectorWrite
	addr := img.Address
	remaining := img.Data
	for len(remaining) > 0 {
		sectorStart64, sectorSize, ok := algo.FlashProperties.SectorAt(uint64(addr))
		if !ok {
			return nil, errors.Errorf("no sector description covers address 0x%08x", addr)
		}
		sectorStart := uint32(sectorStart64)
		offsetInSector := addr - sectorStart
		n := int(sectorSize) - int(offsetInSector)
		if n > len(remaining) {
			n = len(remaining)
		}
		needsRestore := offsetInSector != 0 || n < int(sectorSize)
		out = append(out, SectorWrite{
			SectorStart:  sectorStart,
			SectorSize:   int(sectorSize),
			DataOffset:   int(offsetInSector),
			Data:         remaining[:n],
			NeedsRestore: needsRestore,
		})
		remaining = remaining[n:]
		addr += uint32(n)
	}
	return out, nil
}

// digestSector hashes a sector's prior content against the data that would
// be written there, the generalized form of mos/flash/esp/flasher/flash.go's
// dedupImages per-sector MD5 comparison, used to skip erase+program for
// sectors that would be unchanged.
func digestSector(existing, incoming []byte) bool {
	if len(existing) != len(incoming) {
		return false
	}
	return bytes.Equal(md5Sum(existing), md5Sum(incoming))
}

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}
