package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	CacheReadCounter.WithLabelValues("mutex", "hit").Inc()
	CacheLoadCounter.Inc()
	InvalidateCounter.Inc()
	LockRetryCounter.Inc()
	RebuildCounter.WithLabelValues("scheduled").Inc()
	ReadLatency.WithLabelValues("mutex").Observe(0.01)
	AdmissionCounter.WithLabelValues("admitted").Inc()
	OrderCounter.WithLabelValues("created").Inc()
	QueueGauge.Set(5)
	DriftCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 10 {
		t.Fatalf("expected 10 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(QueueGauge); v != 5 {
		t.Fatalf("expected queue gauge 5, got %v", v)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
