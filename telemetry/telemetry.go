package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the gateway.
//
// Hooks run inline with the read and flush paths, so implementations must be
// cheap and must not block.
type Collector interface {
	IncMetadataReload(source string, ok bool)
	AddIngested(count int)
	SetIngestRate(perSecond float64)
	SetPending(count int)
	AddFlushed(count int)
	AddFlushFailed(count int)
	AddDropped(count int)
	IncReadFailure(deviceID string)
	IncWriteFailure(deviceID string)
	SetDeviceStatus(deviceID, status string)
	SetQueueDepth(depth int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncMetadataReload(string, bool)   {}
func (noopCollector) AddIngested(int)                  {}
func (noopCollector) SetIngestRate(float64)            {}
func (noopCollector) SetPending(int)                   {}
func (noopCollector) AddFlushed(int)                   {}
func (noopCollector) AddFlushFailed(int)               {}
func (noopCollector) AddDropped(int)                   {}
func (noopCollector) IncReadFailure(string)            {}
func (noopCollector) IncWriteFailure(string)           {}
func (noopCollector) SetDeviceStatus(string, string)   {}
func (noopCollector) SetQueueDepth(int)                {}

const namespace = "dc3_gateway"

// PrometheusCollector exposes gateway metrics via Prometheus.
type PrometheusCollector struct {
	metadataReloads *prometheus.CounterVec
	ingested        prometheus.Counter
	ingestRate      prometheus.Gauge
	pending         prometheus.Gauge
	flushed         prometheus.Counter
	flushFailed     prometheus.Counter
	dropped         prometheus.Counter
	readFailures    *prometheus.CounterVec
	writeFailures   *prometheus.CounterVec
	deviceStatus    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

// NewPrometheusCollector registers the gateway metrics with the provided
// registerer. Metrics already registered on reg are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		p   PrometheusCollector
		err error
	)
	if p.metadataReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_reload_total",
		Help:      "Number of driver metadata refreshes per source and outcome.",
	}, []string{"source", "result"})); err != nil {
		return nil, err
	}
	if p.ingested, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_values_ingested_total",
		Help:      "Number of point values accepted by the ingestion path.",
	})); err != nil {
		return nil, err
	}
	if p.ingestRate, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "point_values_ingest_rate",
		Help:      "Point values ingested per second during the last flush interval.",
	})); err != nil {
		return nil, err
	}
	if p.pending, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "point_values_pending",
		Help:      "Point values buffered and awaiting the next flush.",
	})); err != nil {
		return nil, err
	}
	if p.flushed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_values_flushed_total",
		Help:      "Number of point values written to the durable store.",
	})); err != nil {
		return nil, err
	}
	if p.flushFailed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_values_flush_failed_total",
		Help:      "Number of point values in batches the durable store rejected.",
	})); err != nil {
		return nil, err
	}
	if p.dropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_values_dropped_total",
		Help:      "Number of point values discarded because the retained backlog was full.",
	})); err != nil {
		return nil, err
	}
	if p.readFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_failures_total",
		Help:      "Number of failed point reads per device.",
	}, []string{"device"})); err != nil {
		return nil, err
	}
	if p.writeFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_failures_total",
		Help:      "Number of failed point writes per device.",
	}, []string{"device"})); err != nil {
		return nil, err
	}
	if p.deviceStatus, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_status",
		Help:      "Last reported device status; the series with value 1 is current.",
	}, []string{"device", "status"})); err != nil {
		return nil, err
	}
	if p.queueDepth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queue_depth",
		Help:      "Tasks waiting in the shared worker pool queue.",
	})); err != nil {
		return nil, err
	}
	return &p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncMetadataReload counts a metadata refresh.
func (p *PrometheusCollector) IncMetadataReload(source string, ok bool) {
	if p == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	p.metadataReloads.WithLabelValues(source, result).Inc()
}

// AddIngested counts accepted point values.
func (p *PrometheusCollector) AddIngested(count int) {
	if p == nil || count <= 0 {
		return
	}
	p.ingested.Add(float64(count))
}

// SetIngestRate publishes the measured ingestion rate.
func (p *PrometheusCollector) SetIngestRate(perSecond float64) {
	if p == nil {
		return
	}
	p.ingestRate.Set(perSecond)
}

// SetPending publishes the pending buffer size.
func (p *PrometheusCollector) SetPending(count int) {
	if p == nil {
		return
	}
	p.pending.Set(float64(count))
}

// AddFlushed counts persisted point values.
func (p *PrometheusCollector) AddFlushed(count int) {
	if p == nil || count <= 0 {
		return
	}
	p.flushed.Add(float64(count))
}

// AddFlushFailed counts point values of rejected batches.
func (p *PrometheusCollector) AddFlushFailed(count int) {
	if p == nil || count <= 0 {
		return
	}
	p.flushFailed.Add(float64(count))
}

// AddDropped counts discarded point values.
func (p *PrometheusCollector) AddDropped(count int) {
	if p == nil || count <= 0 {
		return
	}
	p.dropped.Add(float64(count))
}

// IncReadFailure counts a failed read for the device.
func (p *PrometheusCollector) IncReadFailure(deviceID string) {
	if p == nil {
		return
	}
	p.readFailures.WithLabelValues(deviceID).Inc()
}

// IncWriteFailure counts a failed write for the device.
func (p *PrometheusCollector) IncWriteFailure(deviceID string) {
	if p == nil {
		return
	}
	p.writeFailures.WithLabelValues(deviceID).Inc()
}

// SetDeviceStatus marks status as the current state of the device.
func (p *PrometheusCollector) SetDeviceStatus(deviceID, status string) {
	if p == nil {
		return
	}
	p.deviceStatus.DeletePartialMatch(prometheus.Labels{"device": deviceID})
	p.deviceStatus.WithLabelValues(deviceID, status).Set(1)
}

// SetQueueDepth publishes the pool backlog.
func (p *PrometheusCollector) SetQueueDepth(depth int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}
