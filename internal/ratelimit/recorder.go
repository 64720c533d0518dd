package ratelimit

// Recorder receives limiter metrics. Names are dotted ("ratelimit.allowed"); tags
// carry the policy name.
type Recorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpRecorder discards everything. It keeps the hot path free of nil checks.
type NoOpRecorder struct{}

func (NoOpRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpRecorder) Observe(name string, value float64, tags map[string]string) {}
