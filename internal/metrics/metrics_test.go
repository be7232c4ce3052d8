package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	if d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_ringdb_duration_seconds",
		Help:    "test histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(h)
}

func TestTimerObserveDurationVec(t *testing.T) {
	hv := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_ringdb_duration_vec_seconds",
			Help:    "test histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(hv, "write")
}

func TestHandlerServesMetrics(t *testing.T) {
	QuorumRequestsTotal.WithLabelValues("read", "success").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Handler() status = %d, want 200", rec.Code)
	}
	if len(rec.Body.Bytes()) == 0 {
		t.Fatal("Handler() returned an empty body")
	}
}

func TestGaugeVecsAcceptLabels(t *testing.T) {
	SSTablesPerLevel.WithLabelValues("0").Set(3)
	HintQueueDepth.WithLabelValues("nodeB").Set(2)
	HotPartitionScore.WithLabelValues("4").Set(17)
	PeersByStatus.WithLabelValues("live").Set(1)
}
