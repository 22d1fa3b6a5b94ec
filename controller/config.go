package controller

import (
	"log/slog"
	"time"

	"github.com/99souls/mswitch/controller/internal/cmdfile"
	"github.com/99souls/mswitch/controller/internal/cmdqueue"
	"github.com/99souls/mswitch/controller/internal/monitor"
	"github.com/99souls/mswitch/controller/internal/policy"
	"github.com/99souls/mswitch/controller/internal/proxy"
	"github.com/99souls/mswitch/controller/models"
)

// ProxyConfig configures the UDP fan-in plane.
type ProxyConfig struct {
	Enabled     bool
	BasePort    int // inputs bind 127.0.0.1:BasePort+i
	OutputPort  int // selected flow forwarded to 127.0.0.1:OutputPort
	ReadTimeout time.Duration
}

// Config is the public configuration surface for the Controller facade. It
// narrows and normalizes the underlying component configs; advanced callers
// tune runtime behavior afterwards via UpdatePolicy or the YAML hot reload.
type Config struct {
	// Sources is the "id=url;id=url" specification. Required.
	Sources string
	// MaxSources caps the table (default 3).
	MaxSources int

	// Switching behavior
	Mode        models.Mode
	OnCut       models.OnCut
	FreezeOnCut time.Duration
	Buffer      time.Duration
	Ingest      models.IngestMode

	// Thresholds is an optional comma separated "key=value" override string
	// applied over the defaults (stream_loss, pid_loss, black_ms,
	// cc_errors_per_sec, packet_loss_percent, packet_loss_window_sec).
	Thresholds string

	// Automatic failover
	AutoFailover         bool
	FailoverHealthWindow time.Duration // anti-flap dwell
	RecoveryDelay        time.Duration // hysteresis after recovery
	RevertPolicy         string        // "auto" or "manual"
	RevertHealthWindow   time.Duration
	GracePeriod          time.Duration

	QueueCapacity int

	Proxy ProxyConfig

	// Control surfaces. Empty values disable the respective surface.
	HTTPAddr            string
	CommandFile         string
	CommandPollInterval time.Duration

	// RuntimeConfigPath enables the YAML monitor-policy hot reload.
	RuntimeConfigPath string

	// Telemetry
	MetricsEnabled bool
	// MetricsBackend selects the provider when MetricsEnabled is true:
	// "prom" (default), "otel", or "noop".
	MetricsBackend string
	TracingPercent float64
	EventBusBuffer int

	// EncoderStats injects the downstream pipeline aggregates read by the
	// health monitor for the active source. Optional.
	EncoderStats monitor.EncoderStats

	// Logger is the base slog logger; slog.Default when nil.
	Logger *slog.Logger
}

// Defaults returns a Config with working defaults. Sources must still
// be provided.
func Defaults() Config {
	pol := policy.Default()
	return Config{
		MaxSources:           models.DefaultMaxSources,
		Mode:                 models.ModeGraceful,
		OnCut:                models.OnCutFreeze,
		FreezeOnCut:          time.Second,
		Buffer:               500 * time.Millisecond,
		Ingest:               models.IngestHot,
		AutoFailover:         false,
		FailoverHealthWindow: pol.Failover.HealthWindow,
		RecoveryDelay:        pol.Failover.RecoveryDelay,
		RevertPolicy:         pol.Revert.Policy,
		RevertHealthWindow:   pol.Revert.HealthWindow,
		GracePeriod:          pol.GracePeriod,
		QueueCapacity:        cmdqueue.DefaultCapacity,
		Proxy: ProxyConfig{
			Enabled:     true,
			BasePort:    proxy.DefaultBasePort,
			OutputPort:  proxy.DefaultOutputPort,
			ReadTimeout: proxy.DefaultReadTimeout,
		},
		HTTPAddr:            ":8099",
		CommandFile:         cmdfile.DefaultPath,
		CommandPollInterval: cmdfile.DefaultInterval,
		MetricsEnabled:      false,
		MetricsBackend:      "prom",
		TracingPercent:      5,
		EventBusBuffer:      256,
	}
}

// toMonitorPolicy folds the flat config knobs and the thresholds string into
// one normalized policy snapshot.
func (c Config) toMonitorPolicy() (policy.MonitorPolicy, error) {
	p := policy.Default()
	if c.Thresholds != "" {
		t, err := policy.ParseThresholds(c.Thresholds, p.Thresholds)
		if err != nil {
			return p, err
		}
		p.Thresholds = t
	}
	p.Failover.Enabled = c.AutoFailover
	if c.FailoverHealthWindow > 0 {
		p.Failover.HealthWindow = c.FailoverHealthWindow
	}
	if c.RecoveryDelay > 0 {
		p.Failover.RecoveryDelay = c.RecoveryDelay
	}
	if c.RevertPolicy != "" {
		p.Revert.Policy = c.RevertPolicy
	}
	if c.RevertHealthWindow > 0 {
		p.Revert.HealthWindow = c.RevertHealthWindow
	}
	if c.GracePeriod > 0 {
		p.GracePeriod = c.GracePeriod
	}
	return p.Normalize(), nil
}
