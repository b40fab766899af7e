package worker

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	attrs := map[string]string{
		labelWorker:    "w0",
		labelOperation: "tag-send",
		labelProtocol:  "eager/bcopy/single",
		labelLane:      "0",
		labelStatus:    "ok",
	}
	metrics.ProtocolSelected(attrs)
	metrics.LaneOpPosted(attrs)
	metrics.LaneOpPosted(attrs)
	metrics.WouldBlock(attrs)
	metrics.RequestCompleted(attrs)
	metrics.RequestFailed(errors.New("fail"), attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"fabricproto_worker_protocol_selected_total": 1,
		"fabricproto_worker_lane_ops_total":          2,
		"fabricproto_worker_would_block_total":       1,
		"fabricproto_worker_request_completed_total": 1,
		"fabricproto_worker_request_failed_total":    1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelWorker: "w0", labelOperation: "tag-send"}
	first.WouldBlock(attrs)
	second.WouldBlock(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "fabricproto_worker_would_block_total"); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
