// Package seq implements the vendor debug-sequence override mechanism:
// most parts bring up fine with the default halt/reset/power sequences in
// arch/armv7m and dap, but a handful of vendor families need extra register
// pokes interleaved with those steps (unlocking a debug-access register,
// working around a reset erratum, waking a UART bridge before JTAG will
// respond). This has no mos/flash precedent; the dispatch-table shape
// (named hook functions registered per vendor, called at fixed points
// around the default sequence) follows the same "small interface, default
// implementation, optional override" idiom as probe's capability sets.
package seq

import "context"

// Point names a place in the default bring-up/reset/connect flow where a
// vendor sequence may run custom logic instead of (or in addition to) the
// default behavior.
type Point int

const (
	PointDebugPortSetup Point = iota
	PointDebugCoreStart
	PointResetStart
	PointResetCatchSet
	PointResetCatchClear
	PointResetEnd
)

// Context carries what a sequence hook needs: access to the DP/core it's
// running against, without coupling this package to dap's or arch's
// concrete types (both are passed through as opaque session handles).
type Context struct {
	Session interface{}
	Core    interface{}
}

// Hook is a vendor override for one Point. Returning (false, nil) means
// "run the default behavior too"; (true, nil) suppresses it.
type Hook func(ctx context.Context, sc Context) (handled bool, err error)

// Sequence is a named set of hooks, registered per target family.
type Sequence struct {
	Name  string
	Hooks map[Point]Hook
}

// Run invokes the hook registered for point, if any, returning whether the
// default behavior should still run afterward.
func (s *Sequence) Run(ctx context.Context, point Point, sc Context) (runDefault bool, err error) {
	if s == nil || s.Hooks == nil {
		return true, nil
	}
	h, ok := s.Hooks[point]
	if !ok {
		return true, nil
	}
	handled, err := h(ctx, sc)
	return !handled, err
}

// registry maps a target family name (target.Target.Name or a manufacturer
// family prefix) to its Sequence.
var registry = map[string]*Sequence{}

// Register adds a vendor sequence to the registry; called from each
// vendor-family file's init().
func Register(s *Sequence) { registry[s.Name] = s }

// Lookup returns the sequence for a family name, or nil if the family has
// no overrides (the default sequence applies unmodified).
func Lookup(name string) *Sequence { return registry[name] }
