package client

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
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	jobCompleted      metric.Int64Counter
	jobFailed         metric.Int64Counter
	transferCompleted metric.Int64Counter
	transferFailed    metric.Int64Counter
	interrupts        metric.Int64Counter
	slotFaults        metric.Int64Counter
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
			name = "github.com/rocketbitz/tapasco-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"tapasco.client.dispatcher.started", &o.dispatcherStarted},
		{"tapasco.client.dispatcher.stopped", &o.dispatcherStopped},
		{"tapasco.client.job.completed", &o.jobCompleted},
		{"tapasco.client.job.failed", &o.jobFailed},
		{"tapasco.client.transfer.completed", &o.transferCompleted},
		{"tapasco.client.transfer.failed", &o.transferFailed},
		{"tapasco.client.interrupts", &o.interrupts},
		{"tapasco.client.slot_faults", &o.slotFaults},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that a dispatcher worker has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that a dispatcher worker has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// JobCompleted records a successful job.
func (o *OTelMetrics) JobCompleted(attrs map[string]string) {
	o.jobCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelFunction, labelStatus)...))
}

// JobFailed records a failed job.
func (o *OTelMetrics) JobFailed(_ error, attrs map[string]string) {
	o.jobFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelFunction)...))
}

// TransferCompleted records a finished DMA copy.
func (o *OTelMetrics) TransferCompleted(attrs map[string]string) {
	o.transferCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelDirection, labelStatus)...))
}

// TransferFailed records a failed DMA copy.
func (o *OTelMetrics) TransferFailed(_ error, attrs map[string]string) {
	o.transferFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelDirection)...))
}

// InterruptHandled counts device interrupts by line kind.
func (o *OTelMetrics) InterruptHandled(attrs map[string]string) {
	o.interrupts.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelKind)...))
}

// SlotFaulted counts retired slots.
func (o *OTelMetrics) SlotFaulted(_ error, attrs map[string]string) {
	o.slotFaults.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelFunction, labelSlot)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelDevice, attrs[labelDevice]),
	}
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
