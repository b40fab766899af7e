package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	protocolSelected metric.Int64Counter
	laneOpPosted     metric.Int64Counter
	wouldBlock       metric.Int64Counter
	requestCompleted metric.Int64Counter
	requestFailed    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabricproto-go/worker"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	protocolSelected, err := meter.Int64Counter("fabricproto.worker.protocol.selected")
	if err != nil {
		return nil, err
	}
	laneOpPosted, err := meter.Int64Counter("fabricproto.worker.lane.ops")
	if err != nil {
		return nil, err
	}
	wouldBlock, err := meter.Int64Counter("fabricproto.worker.would_block")
	if err != nil {
		return nil, err
	}
	requestCompleted, err := meter.Int64Counter("fabricproto.worker.request.completed")
	if err != nil {
		return nil, err
	}
	requestFailed, err := meter.Int64Counter("fabricproto.worker.request.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:            meter,
		protocolSelected: protocolSelected,
		laneOpPosted:     laneOpPosted,
		wouldBlock:       wouldBlock,
		requestCompleted: requestCompleted,
		requestFailed:    requestFailed,
	}, nil
}

// ProtocolSelected records a protocol selection.
func (o *OTelMetrics) ProtocolSelected(attrs map[string]string) {
	o.protocolSelected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation, labelProtocol)...))
}

// LaneOpPosted records one transport operation posted on a lane.
func (o *OTelMetrics) LaneOpPosted(attrs map[string]string) {
	o.laneOpPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelProtocol, labelLane)...))
}

// WouldBlock records a request rescheduled for lack of transport resources.
func (o *OTelMetrics) WouldBlock(attrs map[string]string) {
	o.wouldBlock.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation)...))
}

func (o *OTelMetrics) RequestCompleted(attrs map[string]string) {
	o.requestCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation, labelStatus)...))
}

func (o *OTelMetrics) RequestFailed(_ error, attrs map[string]string) {
	o.requestFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation)...))
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelWorker, attrs[labelWorker])}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
