package client

import "github.com/prometheus/client_golang/prometheus"

const (
	labelDevice    = "device"
	labelFunction  = "function"
	labelStatus    = "status"
	labelDirection = "direction"
	labelKind      = "kind"
	labelSlot      = "slot"
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
	jobCompleted      *prometheus.CounterVec
	jobFailed         *prometheus.CounterVec
	transferCompleted *prometheus.CounterVec
	transferFailed    *prometheus.CounterVec
	interrupts        *prometheus.CounterVec
	slotFaults        *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
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
		dispatcherStarted: counter("tapasco_client_dispatcher_started_total", "Number of times a dispatcher worker started", dispatcherLabelKeys),
		dispatcherStopped: counter("tapasco_client_dispatcher_stopped_total", "Number of times a dispatcher worker stopped", dispatcherLabelKeys),
		jobCompleted:      counter("tapasco_client_job_completed_total", "Number of jobs that returned a value", jobLabelKeys),
		jobFailed:         counter("tapasco_client_job_failed_total", "Number of jobs that failed", jobFailureLabelKeys),
		transferCompleted: counter("tapasco_client_transfer_completed_total", "Number of completed DMA copies", transferLabelKeys),
		transferFailed:    counter("tapasco_client_transfer_failed_total", "Number of failed DMA copies", transferFailureLabelKeys),
		interrupts:        counter("tapasco_client_interrupts_total", "Number of device interrupts handled", interruptLabelKeys),
		slotFaults:        counter("tapasco_client_slot_faults_total", "Number of slots retired after register failures", slotFaultLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.dispatcherStarted,
		&p.dispatcherStopped,
		&p.jobCompleted,
		&p.jobFailed,
		&p.transferCompleted,
		&p.transferFailed,
		&p.interrupts,
		&p.slotFaults,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

var (
	dispatcherLabelKeys      = []string{labelDevice}
	jobLabelKeys             = []string{labelDevice, labelFunction, labelStatus}
	jobFailureLabelKeys      = []string{labelDevice, labelFunction}
	transferLabelKeys        = []string{labelDevice, labelDirection, labelStatus}
	transferFailureLabelKeys = []string{labelDevice, labelDirection}
	interruptLabelKeys       = []string{labelDevice, labelKind}
	slotFaultLabelKeys       = []string{labelDevice, labelFunction, labelSlot}
)

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) JobCompleted(attrs map[string]string) {
	p.jobCompleted.With(labels(attrs, jobLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) JobFailed(_ error, attrs map[string]string) {
	p.jobFailed.With(labels(attrs, jobFailureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferCompleted(attrs map[string]string) {
	p.transferCompleted.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferFailed(_ error, attrs map[string]string) {
	p.transferFailed.With(labels(attrs, transferFailureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) InterruptHandled(attrs map[string]string) {
	p.interrupts.With(labels(attrs, interruptLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SlotFaulted(_ error, attrs map[string]string) {
	p.slotFaults.With(labels(attrs, slotFaultLabelKeys...)).Inc()
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
