package flash

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesanta/probecore/target"
)

func testRunAlgo() *target.FlashAlgorithm {
	algo := testEngineAlgo()
	algo.FlashProperties.Sectors = []target.SectorDescription{{Size: 0x1000, StartRelative: 0}}
	return algo
}

func TestRunProgramsAndVerifiesAnImage(t *testing.T) {
	mem := newFakeMemory()
	core := newFakeCore()
	algo := testRunAlgo()
	engine := NewEngine(mem, core, nil)

	data := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: data}})
	require.NoError(t, err)

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	err = Run(context.Background(), engine, mem, plan, Options{Verify: true}, sink)
	require.NoError(t, err)

	got, err := mem.ReadBytes(context.Background(), 0x08000000, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	var sawVerifyComplete bool
	for _, e := range events {
		if e.Kind == EventVerifyComplete {
			sawVerifyComplete = true
		}
	}
	assert.True(t, sawVerifyComplete)
}

func TestRunSkipsIdenticalSectors(t *testing.T) {
	mem := newFakeMemory()
	core := newFakeCore()
	algo := testRunAlgo()
	engine := NewEngine(mem, core, nil)

	data := []byte{1, 2, 3, 4}
	// Sector already holds the full sector's worth of the data at offset 0,
	// needsRestore is false only if it covers the whole sector; here we
	// make a sector-sized image so PreVerify compares like for like.
	full := make([]byte, algo.FlashProperties.Sectors[0].Size)
	copy(full, data)
	require.NoError(t, mem.WriteBytes(context.Background(), 0x08000000, full))

	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: full}})
	require.NoError(t, err)

	var sawSkip, sawErase, sawProgram bool
	sink := SinkFunc(func(e Event) {
		switch e.Kind {
		case EventSkippedIdentical:
			sawSkip = true
		case EventEraseSector:
			sawErase = true
		case EventProgramPage:
			sawProgram = true
		}
	})
	require.NoError(t, Run(context.Background(), engine, mem, plan, Options{SkipIdenticalSectors: true}, sink))
	assert.True(t, sawSkip)
	assert.False(t, sawErase)
	assert.False(t, sawProgram)
}

func TestRunUsesChipEraseWhenWholePlanIsBeingWritten(t *testing.T) {
	mem := newFakeMemory()
	core := newFakeCore()
	algo := testRunAlgo()
	engine := NewEngine(mem, core, nil)

	full := make([]byte, algo.FlashProperties.Sectors[0].Size)
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: full}})
	require.NoError(t, err)

	var sawSectorErase bool
	sink := SinkFunc(func(e Event) {
		if e.Kind == EventEraseSector {
			sawSectorErase = true
		}
	})
	require.NoError(t, Run(context.Background(), engine, mem, plan, Options{ChipErase: true}, sink))
	// Init + chip erase + program calls: Run must not also call per-sector erase.
	assert.GreaterOrEqual(t, core.runCalls, 2)
	assert.False(t, sawSectorErase)
}
