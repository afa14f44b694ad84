// Package flash implements the flash-programming engine: building a
// sector/page work list against a target.FlashAlgorithm's geometry, loading
// and calling the algorithm's Init/EraseSector/ProgramPage/UnInit entry
// points, pre/post-verification, and a typed progress event stream.
// Grounded on mos/flash/esp/flasher/flash.go's Flash()'s overall shape
// (build an image list, sanity-check it, skip-if-identical via a content
// digest, write with retry, verify, run), generalized from ESP8266/32's
// fixed bootloader protocol to the CMSIS-Pack flash-algorithm ABI.
package flash

// EventKind classifies one progress event.
type EventKind int

const (
	EventPlanStarted EventKind = iota
	EventPlanComplete
	EventEraseStarted
	EventEraseSector
	EventEraseComplete
	EventProgramStarted
	EventProgramPage
	EventProgramComplete
	EventVerifyStarted
	EventVerifyProgress
	EventVerifyMismatch
	EventVerifyComplete
	EventSkippedIdentical
)

// Event is one point-in-time report from a running flash operation.
type Event struct {
	Kind    EventKind
	Address uint32
	Length  int
	// BytesDone/BytesTotal support a percent-complete progress bar across
	// the whole operation, not just the current sector/page.
	BytesDone  int
	BytesTotal int
	Err        error
}

// Sink receives Events as a flash operation runs. Implementations must not
// block for long; callers that need to process slowly should buffer.
type Sink interface {
	OnFlashEvent(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) OnFlashEvent(e Event) { f(e) }

// DiscardSink drops all events.
var DiscardSink Sink = SinkFunc(func(Event) {})
