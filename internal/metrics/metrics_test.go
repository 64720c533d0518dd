package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"geminicord/internal/circuit"
)

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	var m dto.Metric
	if err := CircuitState.WithLabelValues(name).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestTrackBreakerPublishesInitialState(t *testing.T) {
	b := circuit.New("test-upstream", circuit.DefaultConfig(), circuit.WithStateChange(ObserveBreaker))
	TrackBreaker(b.Name(), b.State())

	if got := gaugeValue(t, "test-upstream"); got != float64(circuit.StateClosed) {
		t.Fatalf("circuit_state = %v, want closed", got)
	}

	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		b.RecordFailure()
	}
	if got := gaugeValue(t, "test-upstream"); got != float64(circuit.StateOpen) {
		t.Fatalf("circuit_state = %v, want open", got)
	}
}
