package metrics

// Minimal metrics provider contract shared by the controller subsystems
// (proxy counters, actuator latency, health gauges, event bus drops). Backend
// selection happens once in the controller facade via Config.MetricsBackend;
// subsystems only ever see this interface.

import "context"

// Provider constructs instruments. Implementations must be safe for
// concurrent use.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }

type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}

type Histogram interface{ Observe(v float64, labels ...string) }

// CommonOpts identifies an instrument. The fully qualified name is
// namespace_subsystem_name (Prometheus) or dot separated (OTel).
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }

type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// noop backend ---------------------------------------------------------------

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}

// NewNoopProvider returns a provider whose instruments discard everything.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) Health(context.Context) error         { return nil }

func (noopCounter) Inc(float64, ...string)       {}
func (noopGauge) Set(float64, ...string)         {}
func (noopGauge) Add(float64, ...string)         {}
func (noopHistogram) Observe(float64, ...string) {}
