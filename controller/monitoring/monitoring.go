package monitoring

// Operational monitoring for the switch plane: aggregated per-source switch
// and failover metrics, a Prometheus exporter over a dedicated registry, an
// OpenTelemetry tracer for switch operations, and a structured logger. The
// facade feeds the collector from the actuator's switch hook and the
// failover engine's events.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SwitchMetrics tracks switch attempts targeting one source.
type SwitchMetrics struct {
	SourceID       string
	TotalSwitches  int
	Successful     int
	Failed         int
	TotalLatency   time.Duration
	AverageLatency time.Duration
	SuccessRate    float64
	LastSwitch     time.Time
}

// FailoverMetrics tracks automatic failovers away from one source.
type FailoverMetrics struct {
	FromSourceID string
	Count        int
	LastFailover time.Time
	LastReason   string
}

// AggregatedMetrics is the full collector view.
type AggregatedMetrics struct {
	Switches       map[string]*SwitchMetrics   `json:"switches"`
	Failovers      map[string]*FailoverMetrics `json:"failovers"`
	CollectionTime time.Time                   `json:"collection_time"`
}

// SwitchMetricsCollector aggregates switch-plane metrics.
type SwitchMetricsCollector struct {
	mutex           sync.RWMutex
	switchMetrics   map[string]*SwitchMetrics
	failoverMetrics map[string]*FailoverMetrics
}

// NewSwitchMetricsCollector creates an empty collector.
func NewSwitchMetricsCollector() *SwitchMetricsCollector {
	return &SwitchMetricsCollector{
		switchMetrics:   make(map[string]*SwitchMetrics),
		failoverMetrics: make(map[string]*FailoverMetrics),
	}
}

// RecordSwitch records one effected switch toward target.
func (c *SwitchMetricsCollector) RecordSwitch(target string, latency time.Duration, success bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	m, exists := c.switchMetrics[target]
	if !exists {
		m = &SwitchMetrics{SourceID: target}
		c.switchMetrics[target] = m
	}
	m.TotalSwitches++
	m.TotalLatency += latency
	m.AverageLatency = m.TotalLatency / time.Duration(m.TotalSwitches)
	m.LastSwitch = time.Now()
	if success {
		m.Successful++
	} else {
		m.Failed++
	}
	m.SuccessRate = float64(m.Successful) / float64(m.TotalSwitches)
}

// RecordFailover records an automatic failover away from a source.
func (c *SwitchMetricsCollector) RecordFailover(from, reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	m, exists := c.failoverMetrics[from]
	if !exists {
		m = &FailoverMetrics{FromSourceID: from}
		c.failoverMetrics[from] = m
	}
	m.Count++
	m.LastFailover = time.Now()
	m.LastReason = reason
}

// GetAggregatedMetrics returns a point-in-time aggregate.
func (c *SwitchMetricsCollector) GetAggregatedMetrics() *AggregatedMetrics {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	switches := make(map[string]*SwitchMetrics, len(c.switchMetrics))
	for k, v := range c.switchMetrics {
		cpy := *v
		switches[k] = &cpy
	}
	failovers := make(map[string]*FailoverMetrics, len(c.failoverMetrics))
	for k, v := range c.failoverMetrics {
		cpy := *v
		failovers[k] = &cpy
	}
	return &AggregatedMetrics{Switches: switches, Failovers: failovers, CollectionTime: time.Now()}
}

// PrometheusExporter exposes collector aggregates on a dedicated registry.
type PrometheusExporter struct {
	collector *SwitchMetricsCollector
	namespace string
	registry  *prometheus.Registry
	switches  *prometheus.GaugeVec
	failovers *prometheus.GaugeVec
	latency   *prometheus.GaugeVec
}

// NewPrometheusExporter builds the exporter. Gauges (not counters) because
// the collector owns the authoritative totals and the exporter mirrors them
// on scrape.
func NewPrometheusExporter(collector *SwitchMetricsCollector, namespace string) (*PrometheusExporter, error) {
	registry := prometheus.NewRegistry()

	switches := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "switches_total",
		Help:      "Switches recorded per target source",
	}, []string{"source", "status"})

	failovers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "failovers_total",
		Help:      "Automatic failovers recorded per abandoned source",
	}, []string{"source"})

	latency := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "switch_latency_avg_seconds",
		Help:      "Average queue-to-effect switch latency per target source",
	}, []string{"source"})

	registry.MustRegister(switches)
	registry.MustRegister(failovers)
	registry.MustRegister(latency)

	return &PrometheusExporter{
		collector: collector,
		namespace: namespace,
		registry:  registry,
		switches:  switches,
		failovers: failovers,
		latency:   latency,
	}, nil
}

// GetMetricsHandler returns the HTTP handler, syncing from the collector on
// each scrape.
func (pe *PrometheusExporter) GetMetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pe.syncMetrics()
		promhttp.HandlerFor(pe.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func (pe *PrometheusExporter) syncMetrics() {
	if pe.collector == nil {
		return
	}
	agg := pe.collector.GetAggregatedMetrics()
	for _, m := range agg.Switches {
		pe.switches.With(prometheus.Labels{"source": m.SourceID, "status": "success"}).Set(float64(m.Successful))
		pe.switches.With(prometheus.Labels{"source": m.SourceID, "status": "failed"}).Set(float64(m.Failed))
		pe.latency.With(prometheus.Labels{"source": m.SourceID}).Set(m.AverageLatency.Seconds())
	}
	for _, m := range agg.Failovers {
		pe.failovers.With(prometheus.Labels{"source": m.FromSourceID}).Set(float64(m.Count))
	}
}

// OpenTelemetryTracer provides exported spans around switch operations.
type OpenTelemetryTracer struct {
	tracer      oteltrace.Tracer
	serviceName string
	environment string
}

// NewOpenTelemetryTracer sets up a basic tracer provider with service
// attribution. Exporters are layered on by deployments.
func NewOpenTelemetryTracer(serviceName, environment string) (*OpenTelemetryTracer, error) {
	tp := trace.NewTracerProvider(
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return &OpenTelemetryTracer{tracer: otel.Tracer(serviceName), serviceName: serviceName, environment: environment}, nil
}

// StartSwitchOperation starts a span for one switch request.
func (ott *OpenTelemetryTracer) StartSwitchOperation(ctx context.Context, from, to string) (context.Context, oteltrace.Span) {
	return ott.tracer.Start(ctx, "mswitch.switch", oteltrace.WithAttributes(
		attribute.String("switch.from", from),
		attribute.String("switch.to", to),
	))
}

// RecordFailover annotates the active span with a failover event.
func (ott *OpenTelemetryTracer) RecordFailover(ctx context.Context, from, to, reason string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("failover", oteltrace.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		))
	}
}

// RecordError marks the active span failed.
func (ott *OpenTelemetryTracer) RecordError(ctx context.Context, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// StructuredLogger provides switch-context-aware logging.
type StructuredLogger struct {
	logger      *slog.Logger
	serviceName string
}

// NewStructuredLogger creates a JSON slog logger tagged with the service.
func NewStructuredLogger(serviceName string, level slog.Level) *StructuredLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &StructuredLogger{
		logger:      slog.New(handler).With(slog.String("service", serviceName)),
		serviceName: serviceName,
	}
}

// LogSwitch emits one line per effected switch.
func (sl *StructuredLogger) LogSwitch(ctx context.Context, from, to string, latency time.Duration, success bool) {
	sl.logger.InfoContext(ctx, "switch",
		slog.String("from", from),
		slog.String("to", to),
		slog.Duration("latency", latency),
		slog.Bool("success", success),
	)
}

// LogFailover emits one line per automatic failover.
func (sl *StructuredLogger) LogFailover(ctx context.Context, from, to, reason string) {
	sl.logger.WarnContext(ctx, "failover",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// IntegratedMonitoringSystem bundles the monitoring components.
type IntegratedMonitoringSystem struct {
	Collector  *SwitchMetricsCollector
	Prometheus *PrometheusExporter
	Tracer     *OpenTelemetryTracer
	Logger     *StructuredLogger
}

// NewIntegratedMonitoringSystem wires the full set for a service name.
func NewIntegratedMonitoringSystem(serviceName, environment string) (*IntegratedMonitoringSystem, error) {
	collector := NewSwitchMetricsCollector()
	exporter, err := NewPrometheusExporter(collector, serviceName)
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	tracer, err := NewOpenTelemetryTracer(serviceName, environment)
	if err != nil {
		return nil, fmt.Errorf("otel tracer: %w", err)
	}
	return &IntegratedMonitoringSystem{
		Collector:  collector,
		Prometheus: exporter,
		Tracer:     tracer,
		Logger:     NewStructuredLogger(serviceName, slog.LevelInfo),
	}, nil
}
