package cluster

import "github.com/prometheus/client_golang/prometheus"

const (
	labelRank      = "rank"
	labelSize      = "size"
	labelTag       = "tag"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

var (
	dispatcherLabelKeys = []string{labelRank, labelSize, labelTag}
	errorLabelKeys      = []string{labelRank, labelSize, labelTag, labelKind}
	completionLabelKeys = []string{labelRank, labelSize, labelTag, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelRank, labelSize, labelTag, labelOperation}
)

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
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherErrors  *prometheus.CounterVec
	sendCompleted     *prometheus.CounterVec
	sendFailed        *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	receiveFailed     *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus
// counters. Registering against a registry that already holds the counters
// reuses the existing collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		dispatcherStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_dispatcher_started_total",
			Help:        "Number of times the exchange dispatcher loop started",
			ConstLabels: opts.ConstLabels,
		}, dispatcherLabelKeys),
		dispatcherStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_dispatcher_stopped_total",
			Help:        "Number of times the exchange dispatcher loop stopped",
			ConstLabels: opts.ConstLabels,
		}, dispatcherLabelKeys),
		dispatcherErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_dispatcher_errors_total",
			Help:        "Number of dispatcher post or poll errors",
			ConstLabels: opts.ConstLabels,
		}, errorLabelKeys),
		sendCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_send_completed_total",
			Help:        "Number of successful send completions",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		sendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_send_failed_total",
			Help:        "Number of errored send completions",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		receiveCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_receive_completed_total",
			Help:        "Number of successful receive completions",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		receiveFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "cluster_exchange_receive_failed_total",
			Help:        "Number of errored receive completions",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
	}

	var err error
	if p.dispatcherStarted, err = registerCounterVec(reg, p.dispatcherStarted); err != nil {
		return nil, err
	}
	if p.dispatcherStopped, err = registerCounterVec(reg, p.dispatcherStopped); err != nil {
		return nil, err
	}
	if p.dispatcherErrors, err = registerCounterVec(reg, p.dispatcherErrors); err != nil {
		return nil, err
	}
	if p.sendCompleted, err = registerCounterVec(reg, p.sendCompleted); err != nil {
		return nil, err
	}
	if p.sendFailed, err = registerCounterVec(reg, p.sendFailed); err != nil {
		return nil, err
	}
	if p.receiveCompleted, err = registerCounterVec(reg, p.receiveCompleted); err != nil {
		return nil, err
	}
	if p.receiveFailed, err = registerCounterVec(reg, p.receiveFailed); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, errorLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
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
