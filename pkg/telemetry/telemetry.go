// Package telemetry defines the structured-event sink contract this
// library's subsystems emit against, plus a Prometheus-backed
// implementation: one CounterVec/HistogramVec/GaugeVec family per
// measurement, with label sets derived from each event's metadata.
package telemetry

// Sink receives structured events: a dotted event name (e.g.
// "rate_limiter.consume"), a set of numeric measurements, and a set of
// string metadata (labels). Implementations must not block the caller for
// long. Emit is called from hot paths (every consume, every frame).
type Sink interface {
	Emit(event string, measurements map[string]float64, meta map[string]string)
}

// NoopSink discards every event.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(string, map[string]float64, map[string]string) {}

// FuncSink adapts a plain function to the Sink interface, useful for tests
// and for forwarding events into an application's own logging.
type FuncSink func(event string, measurements map[string]float64, meta map[string]string)

// Emit implements Sink.
func (f FuncSink) Emit(event string, measurements map[string]float64, meta map[string]string) {
	f(event, measurements, meta)
}
