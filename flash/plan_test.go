package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/target"
)

func testAlgorithm() *target.FlashAlgorithm {
	return &target.FlashAlgorithm{
		Name: "test-algo",
		FlashProperties: target.FlashProperties{
			Range:    target.AddressRange{Start: 0x08000000, End: 0x08010000},
			PageSize: 256,
			Sectors: []target.SectorDescription{
				{Size: 0x1000, StartRelative: 0},
			},
		},
	}
}

func TestBuildPlanSplitsImageAcrossSectors(t *testing.T) {
	algo := testAlgorithm()
	data := make([]byte, 0x1800) // spans sector 0 fully, sector 1 partially
	for i := range data {
		data[i] = byte(i)
	}
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: data}})
	require.NoError(t, err)
	require.Len(t, plan.Sectors, 2)

	assert.Equal(t, uint32(0x08000000), plan.Sectors[0].SectorStart)
	assert.Equal(t, 0x1000, plan.Sectors[0].SectorSize)
	assert.Equal(t, 0, plan.Sectors[0].DataOffset)
	assert.False(t, plan.Sectors[0].NeedsRestore)
	assert.Len(t, plan.Sectors[0].Data, 0x1000)

	assert.Equal(t, uint32(0x08001000), plan.Sectors[1].SectorStart)
	assert.True(t, plan.Sectors[1].NeedsRestore)
	assert.Len(t, plan.Sectors[1].Data, 0x800)
}

func TestBuildPlanPartialSectorStartNeedsRestore(t *testing.T) {
	algo := testAlgorithm()
	data := []byte{1, 2, 3, 4}
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000100, Data: data}})
	require.NoError(t, err)
	require.Len(t, plan.Sectors, 1)
	assert.Equal(t, 0x100, plan.Sectors[0].DataOffset)
	assert.True(t, plan.Sectors[0].NeedsRestore)
}

func TestBuildPlanRejectsOutOfRangeImage(t *testing.T) {
	algo := testAlgorithm()
	_, err := BuildPlan(algo, []Image{{Address: 0x08010000, Data: []byte{1}}})
	assert.Error(t, err)
}

func TestBuildPlanRejectsOverlappingImages(t *testing.T) {
	algo := testAlgorithm()
	_, err := BuildPlan(algo, []Image{
		{Address: 0x08000000, Data: make([]byte, 0x100)},
		{Address: 0x08000080, Data: make([]byte, 0x100)},
	})
	assert.Error(t, err)
}

func TestBuildPlanSortsOutOfOrderImages(t *testing.T) {
	algo := testAlgorithm()
	plan, err := BuildPlan(algo, []Image{
		{Address: 0x08001000, Data: []byte{2}},
		{Address: 0x08000000, Data: []byte{1}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Sectors, 2)
	assert.Equal(t, uint32(0x08000000), plan.Sectors[0].SectorStart)
	assert.Equal(t, uint32(0x08001000), plan.Sectors[1].SectorStart)
}

func TestDigestSectorDetectsUnchangedContent(t *testing.T) {
	existing := []byte{1, 2, 3, 4}
	same := []byte{1, 2, 3, 4}
	diff := []byte{1, 2, 3, 5}
	assert.True(t, digestSector(existing, same))
	assert.False(t, digestSector(existing, diff))
	assert.False(t, digestSector(existing, []byte{1, 2, 3}))
}
