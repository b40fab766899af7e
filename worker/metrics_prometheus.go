package worker

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	protocolSelected *prometheus.CounterVec
	laneOpPosted     *prometheus.CounterVec
	wouldBlock       *prometheus.CounterVec
	requestCompleted *prometheus.CounterVec
	requestFailed    *prometheus.CounterVec
}

var (
	selectedLabelKeys   = []string{labelWorker, labelOperation, labelProtocol}
	laneOpLabelKeys     = []string{labelWorker, labelProtocol, labelLane}
	wouldBlockLabelKeys = []string{labelWorker, labelOperation}
	completionLabelKeys = []string{labelWorker, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelWorker, labelOperation}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered with the same name are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		protocolSelected: counter("fabricproto_worker_protocol_selected_total", "Number of protocol selections for user requests", selectedLabelKeys),
		laneOpPosted:     counter("fabricproto_worker_lane_ops_total", "Number of transport operations posted on lanes", laneOpLabelKeys),
		wouldBlock:       counter("fabricproto_worker_would_block_total", "Number of times a request was rescheduled for lack of resources", wouldBlockLabelKeys),
		requestCompleted: counter("fabricproto_worker_request_completed_total", "Number of completed requests", completionLabelKeys),
		requestFailed:    counter("fabricproto_worker_request_failed_total", "Number of requests completed with an error", failureLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.protocolSelected,
		&p.laneOpPosted,
		&p.wouldBlock,
		&p.requestCompleted,
		&p.requestFailed,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) ProtocolSelected(attrs map[string]string) {
	p.protocolSelected.With(labels(attrs, selectedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) LaneOpPosted(attrs map[string]string) {
	p.laneOpPosted.With(labels(attrs, laneOpLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WouldBlock(attrs map[string]string) {
	p.wouldBlock.With(labels(attrs, wouldBlockLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestCompleted(attrs map[string]string) {
	p.requestCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestFailed(_ error, attrs map[string]string) {
	p.requestFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
