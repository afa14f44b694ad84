package flash

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreVerifyDetectsIdenticalAndDifferentContent(t *testing.T) {
	mem := newFakeMemory()
	require.NoError(t, mem.WriteBytes(context.Background(), 0x08000000, []byte{1, 2, 3, 4}))

	sw := SectorWrite{SectorStart: 0x08000000, SectorSize: 4, Data: []byte{1, 2, 3, 4}}
	identical, err := PreVerify(context.Background(), mem, sw)
	require.NoError(t, err)
	assert.True(t, identical)

	sw.Data = []byte{1, 2, 3, 5}
	identical, err = PreVerify(context.Background(), mem, sw)
	require.NoError(t, err)
	assert.False(t, identical)
}

func TestVerifyReportsMismatch(t *testing.T) {
	mem := newFakeMemory()
	algo := testRunAlgo()
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: []byte{1, 2, 3, 4}}})
	require.NoError(t, err)

	// Nothing was actually written to mem, so verification must fail.
	err = Verify(context.Background(), mem, plan, DiscardSink)
	assert.Error(t, err)
}

func TestVerifyReportsAddressOfFirstMismatchedByte(t *testing.T) {
	mem := newFakeMemory()
	algo := testRunAlgo()
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: data}})
	require.NoError(t, err)
	// Write everything correctly except byte index 5, so the mismatch is
	// neither at the start of the sector nor at the start of the image.
	corrupted := append([]byte{}, data...)
	corrupted[5] = 0xff
	require.NoError(t, mem.WriteBytes(context.Background(), 0x08000000, corrupted))

	var events []Event
	err = Verify(context.Background(), mem, plan, SinkFunc(func(e Event) { events = append(events, e) }))
	require.Error(t, err)

	var mismatch *Event
	for i := range events {
		if events[i].Kind == EventVerifyMismatch {
			mismatch = &events[i]
		}
	}
	require.NotNil(t, mismatch)
	assert.Equal(t, uint32(0x08000005), mismatch.Address)
}

func TestVerifySucceedsWhenContentMatches(t *testing.T) {
	mem := newFakeMemory()
	algo := testRunAlgo()
	data := []byte{1, 2, 3, 4}
	plan, err := BuildPlan(algo, []Image{{Address: 0x08000000, Data: data}})
	require.NoError(t, err)
	require.NoError(t, mem.WriteBytes(context.Background(), 0x08000000, data))

	assert.NoError(t, Verify(context.Background(), mem, plan, DiscardSink))
}
