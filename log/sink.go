// Package log defines the caller-supplied logging seam for probecore.
//
// Per the design notes, the core library never installs a global logger: it
// accepts a Sink and invokes it synchronously on the calling thread. Internal
// wire-level tracing (packet hex dumps, per-register chatter) still goes
// through glog.V(n) directly, exactly as mos/flash's probe and DAP code
// does — that tracing is a developer/diagnostic concern orthogonal to the
// structured events an embedding application wants to see.
package log

import "fmt"

// Level mirrors glog's verbosity scheme loosely: Info/Warn/Error are always
// surfaced, Debug is for high-volume per-transfer detail an application may
// want to drop.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Sink receives structured log lines from the core. Implementations must not
// block for long; the core calls them synchronously from whatever goroutine
// invoked the operation.
type Sink interface {
	Log(level Level, msg string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(level Level, msg string)

func (f SinkFunc) Log(level Level, msg string) { f(level, msg) }

// Discard is a Sink that drops everything; New(nil) substitutes it. A nil
// *Logger or a Logger with a nil Sink also drops everything.
var Discard Sink = SinkFunc(func(Level, string) {})

// Logger wraps a Sink with printf-style helpers, used throughout the core
// instead of calling Sink.Log with a pre-formatted string at every call site.
type Logger struct {
	Sink Sink
}

func New(sink Sink) *Logger {
	if sink == nil {
		sink = Discard
	}
	return &Logger{Sink: sink}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if l == nil || l.Sink == nil {
		return
	}
	l.Sink.Log(level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(Error, format, args...) }
