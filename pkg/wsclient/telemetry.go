package wsclient

// telemetrySink is the minimal event-emission surface the internals of this
// package depend on. It is satisfied by telemetry.Sink from
// github.com/flowrate/exws/pkg/telemetry, which isn't imported here so that
// wsclient, ratelimit, and pool stay free of a hard dependency on any one
// telemetry backend; callers wire a concrete sink in via Config.Telemetry.
type telemetrySink interface {
	Emit(event string, measurements map[string]float64, meta map[string]string)
}

// NoopSink discards every event. It is the default when Config.Telemetry is
// nil.
type NoopSink struct{}

// Emit implements telemetrySink.
func (NoopSink) Emit(string, map[string]float64, map[string]string) {}
