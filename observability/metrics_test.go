package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers every collector against the default Prometheus
// registerer, which panics on a second registration of the same metric
// name — so this package gets exactly one test function exercising one
// Metrics instance, rather than one function per field.
func TestNewMetricsRegistersAndRecords(t *testing.T) {
	m := NewMetrics()

	m.BreakersByStatus.WithLabelValues("OPEN").Set(3)
	m.BreakerTransitions.WithLabelValues("OPEN", "CHECKING").Inc()
	m.ProbesTotal.WithLabelValues("success").Inc()
	m.ProbeDuration.Observe(0.25)
	m.ClaimAttempts.WithLabelValues("claimed").Inc()
	m.ClaimContention.Inc()
	m.ScanCyclesTotal.WithLabelValues("delivering").Inc()

	if got := testutil.ToFloat64(m.BreakersByStatus.WithLabelValues("OPEN")); got != 3 {
		t.Errorf("BreakersByStatus[OPEN] = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("OPEN", "CHECKING")); got != 1 {
		t.Errorf("BreakerTransitions[OPEN,CHECKING] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClaimContention); got != 1 {
		t.Errorf("ClaimContention = %v, want 1", got)
	}
}
