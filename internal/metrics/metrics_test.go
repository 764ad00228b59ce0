package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"enforcer/internal/metrics"
)

func TestRegisterExposesCollectors(t *testing.T) {
	metrics.Register()
	metrics.Register()

	metrics.DispatchTotal.WithLabelValues("direct_email", "sent").Inc()
	metrics.ReclaimedTotal.Add(2)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				found[family.GetName()] += counter.GetValue()
			}
		}
	}
	if found["enforcer_queue_dispatch_total"] < 1 {
		t.Fatalf("dispatch counter missing from default registry: %v", found)
	}
	if found["enforcer_queue_reclaimed_total"] < 2 {
		t.Fatalf("reclaim counter missing from default registry: %v", found)
	}
}
