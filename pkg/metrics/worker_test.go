package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return nil
}

func TestWorkerMetricsCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetrics(reg)

	m.IncProcessed("bus")
	m.IncProcessed("bus")
	m.IncProcessed("failed")
	m.IncWakeSignalDropped()
	m.ObserveBatchDuration(250 * time.Millisecond)

	series := gatherCounter(t, reg, "notifications_processed_total")
	if len(series) != 2 {
		t.Fatalf("expected 2 outcome series, got %d", len(series))
	}
	var busCount float64
	for _, metric := range series {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "outcome" && label.GetValue() == "bus" {
				busCount = metric.GetCounter().GetValue()
			}
		}
	}
	if busCount != 2 {
		t.Fatalf("expected bus outcome count 2, got %v", busCount)
	}

	dropped := gatherCounter(t, reg, "notifications_wake_signals_dropped_total")
	if dropped[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected 1 dropped signal, got %v", dropped[0].GetCounter().GetValue())
	}
}

func TestWorkerMetricsNilRegistererIsNoop(t *testing.T) {
	m := NewWorkerMetrics(nil)
	m.IncProcessed("push")
	m.IncBusPublish("delivered")
	m.IncFCMSend("ok")
	m.IncListenerReconnect()
	m.IncTokenRemoved()
	m.IncCommitRetry()
	m.ObserveBatchDuration(time.Second)

	var nilMetrics *WorkerMetrics
	nilMetrics.IncProcessed("push")
}

func TestNormalizeLabel(t *testing.T) {
	if normalizeLabel("") != "unknown" {
		t.Fatal("empty label should normalize to unknown")
	}
	if normalizeLabel("ok") != "ok" {
		t.Fatal("labels should pass through")
	}
}
