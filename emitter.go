package tracemon

import (
	log "github.com/sirupsen/logrus"
)

// Field is one named numeric value on a measurement event.
type Field struct {
	Name  string
	Value float64
}

// TraceEmitter receives named measurement events from the samplers and
// forwards them to a trace/analysis pipeline. Implementations are
// fire-and-forget: they must not block and must not panic into the caller.
// Emit may be called concurrently from both samplers.
type TraceEmitter interface {
	Emit(name string, fields ...Field)
}

// NopEmitter discards every event. Used when tracing is disabled; the
// samplers keep running regardless.
type NopEmitter struct{}

func (NopEmitter) Emit(string, ...Field) {}

// LogEmitter writes each event as a structured log line.
type LogEmitter struct{}

// NewLogEmitter returns an emitter that logs events at info level.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

func (*LogEmitter) Emit(name string, fields ...Field) {
	entry := log.WithField("event", name)
	for _, f := range fields {
		entry = entry.WithField(f.Name, f.Value)
	}
	entry.Info("trace event")
}

// MultiEmitter forwards each event to every wrapped emitter in order.
type MultiEmitter struct {
	emitters []TraceEmitter
}

// NewMultiEmitter fans events out to all of the given emitters.
func NewMultiEmitter(emitters ...TraceEmitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(name string, fields ...Field) {
	for _, e := range m.emitters {
		e.Emit(name, fields...)
	}
}
