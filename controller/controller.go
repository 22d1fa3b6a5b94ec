package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/mswitch/controller/adapters/controlhttp"
	"github.com/99souls/mswitch/controller/internal/actuator"
	"github.com/99souls/mswitch/controller/internal/cmdfile"
	"github.com/99souls/mswitch/controller/internal/cmdqueue"
	"github.com/99souls/mswitch/controller/internal/monitor"
	intpolicy "github.com/99souls/mswitch/controller/internal/policy"
	"github.com/99souls/mswitch/controller/internal/proxy"
	intruntime "github.com/99souls/mswitch/controller/internal/runtime"
	telemEvents "github.com/99souls/mswitch/controller/internal/telemetry/events"
	intmetrics "github.com/99souls/mswitch/controller/internal/telemetry/metrics"
	"github.com/99souls/mswitch/controller/internal/telemetry/tracing"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/monitoring"
	telemetryhealth "github.com/99souls/mswitch/controller/telemetry/health"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

// Re-exported policy and collaborator types: stable facade surface while the
// implementations stay internal.
type MonitorPolicy = intpolicy.MonitorPolicy
type Thresholds = intpolicy.Thresholds
type FilterGraph = actuator.FilterGraph
type EncoderStats = monitor.EncoderStats

// DefaultMonitorPolicy returns the normalized default policy.
func DefaultMonitorPolicy() MonitorPolicy { return intpolicy.Default() }

// Event is the reduced, stable event representation for external observers.
type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives Event notifications. Observers must be fast; slow
// ones lose events rather than stall the controller.
type EventObserver func(ev Event)

// SourceStatus is one row of the snapshot's source table view.
type SourceStatus struct {
	ID     string             `json:"id"`
	URL    string             `json:"url"`
	Name   string             `json:"name"`
	Health models.HealthState `json:"health"`
}

// Snapshot is a unified view of controller state.
type Snapshot struct {
	StartedAt      time.Time      `json:"started_at"`
	Uptime         time.Duration  `json:"uptime"`
	ActiveIndex    int            `json:"active_index"`
	ActiveSource   string         `json:"active_source"`
	Mode           models.Mode    `json:"mode"`
	Switching      bool           `json:"switching"`
	LastSwitchAt   time.Time      `json:"last_switch_at,omitempty"`
	Sources        []SourceStatus `json:"sources"`
	FailoverCount  uint64         `json:"failover_count"`
	LastFailoverAt time.Time      `json:"last_failover_at,omitempty"`
	QueueDepth     int            `json:"queue_depth"`
	QueueCapacity  int            `json:"queue_capacity"`
	ProxyActive    bool           `json:"proxy_active"`
}

// Controller composes the switch-plane subsystems behind a single facade:
// descriptor table, command queue, health monitor, failover engine, UDP
// proxy, selection actuator and the control surfaces. Create with New, drive
// with Start/Stop, observe with Snapshot/HealthSnapshot.
type Controller struct {
	cfg Config
	log logging.Logger

	table  *models.SourceTable
	sel    *models.Selection
	queue  *cmdqueue.Queue
	filter *actuator.FilterAdapter
	act    *actuator.Actuator
	mon    *monitor.Monitor
	fo     *monitor.Failover
	prx    *proxy.Proxy // nil when disabled or bind failed

	metricsProvider intmetrics.Provider
	bus             telemEvents.Bus
	tracer          *tracing.Tracer
	healthEval      *telemetryhealth.Evaluator
	monSys          *monitoring.IntegratedMonitoringSystem

	pol atomic.Pointer[intpolicy.MonitorPolicy]

	runtimeMgr *intruntime.ConfigManager
	hotReload  *intruntime.HotReload

	httpSrv *http.Server
	httpLn  net.Listener
	poller  *cmdfile.Poller

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver
	obsSub           telemEvents.Subscription
}

// New constructs a Controller from cfg. Configuration errors are fatal here;
// nothing is bound or spawned until Start.
func New(cfg Config) (*Controller, error) {
	table, err := models.ParseSources(cfg.Sources, cfg.MaxSources)
	if err != nil {
		return nil, err
	}
	pol, err := cfg.toMonitorPolicy()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
	}

	c := &Controller{
		cfg:   cfg,
		log:   logging.New(cfg.Logger).With("component", "controller"),
		table: table,
		sel:   models.NewSelection(),
		queue: cmdqueue.New(cfg.QueueCapacity),
	}
	c.pol.Store(&pol)

	c.metricsProvider = selectMetricsProvider(cfg)
	if cfg.MetricsEnabled {
		monSys, merr := monitoring.NewIntegratedMonitoringSystem("mswitch", "production")
		if merr != nil {
			return nil, merr
		}
		c.monSys = monSys
	}
	c.bus = telemEvents.NewBus(c.metricsProvider)
	c.tracer = tracing.New(func() float64 { return cfg.TracingPercent })
	c.filter = actuator.NewFilterAdapter()

	c.act = actuator.New(actuator.Options{
		Table:     c.table,
		Selection: c.sel,
		Queue:     c.queue,
		Filter:    c.filter,
		Mode: func() actuator.ModeParams {
			return actuator.ModeParams{Mode: cfg.Mode, OnCut: cfg.OnCut, FreezeOnCut: cfg.FreezeOnCut}
		},
		Logger:   logging.New(cfg.Logger).With("component", "actuator"),
		Bus:      c.bus,
		Tracer:   c.tracer,
		Metrics:  c.metricsProvider,
		OnSwitch: c.observeSwitch,
	})

	c.mon = monitor.New(monitor.Options{
		Table:     c.table,
		Selection: c.sel,
		Policy:    c.policySnapshot,
		Ingest:    cfg.Ingest,
		Encoder:   cfg.EncoderStats,
		Logger:    logging.New(cfg.Logger).With("component", "monitor"),
		Bus:       c.bus,
		Metrics:   c.metricsProvider,
	})
	c.fo = monitor.NewFailover(monitor.FailoverOptions{
		Table:     c.table,
		Selection: c.sel,
		Queue:     c.queue,
		Policy:    c.policySnapshot,
		Logger:    logging.New(cfg.Logger).With("component", "failover"),
		Bus:       c.bus,
		Metrics:   c.metricsProvider,
	})

	c.healthEval = telemetryhealth.NewEvaluator(2*time.Second, c.healthInputs())

	if cfg.RuntimeConfigPath != "" {
		c.runtimeMgr = intruntime.NewConfigManager(cfg.RuntimeConfigPath)
		c.hotReload = intruntime.NewHotReload(c.runtimeMgr)
	}

	c.started.Store(true)
	return c, nil
}

// selectMetricsProvider maps Config telemetry fields to a provider.
func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{ServiceName: "mswitch"})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

func (c *Controller) policySnapshot() intpolicy.MonitorPolicy {
	if p := c.pol.Load(); p != nil {
		return *p
	}
	return intpolicy.Default()
}

// Policy returns the current monitor policy snapshot. Never nil semantics:
// defaults apply when nothing was stored.
func (c *Controller) Policy() MonitorPolicy { return c.policySnapshot() }

// UpdatePolicy atomically swaps the monitor policy. Nil resets to defaults.
// Probes and the failover engine pick the new snapshot up on their next tick.
func (c *Controller) UpdatePolicy(p *MonitorPolicy) {
	var snap intpolicy.MonitorPolicy
	if p == nil {
		snap = intpolicy.Default()
	} else {
		snap = p.Normalize()
	}
	c.pol.Store(&snap)
	c.log.InfoCtx(context.Background(), "monitor policy updated")
}

// healthInputs supplies the live views the serviceability evaluator reads.
func (c *Controller) healthInputs() telemetryhealth.Inputs {
	return telemetryhealth.Inputs{
		Sources: func() (int, []telemetryhealth.SourceState) {
			list := make([]telemetryhealth.SourceState, 0, c.table.Len())
			for i := 0; i < c.table.Len(); i++ {
				src := c.table.At(i)
				list = append(list, telemetryhealth.SourceState{ID: src.ID, Healthy: src.Healthy()})
			}
			return c.sel.Active(), list
		},
		Queue: func() (int, int) { return c.queue.Len(), c.queue.Cap() },
		Proxy: func() (bool, bool) {
			// Before Start the sockets legitimately do not exist yet; only a
			// bind failure after startup counts as unbound.
			bound := c.prx != nil || c.cancel == nil
			return c.cfg.Proxy.Enabled, bound
		},
	}
}

// Start spawns the controller's goroutines: actuator, proxy, monitor tick
// loop, HTTP surface, command-file poller, config hot reload. A proxy bind
// failure is fatal for the proxy only; everything else proceeds.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.Load() {
		return errors.New("controller not constructed")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()

	// Actuator: dedicated, sole consumer of the command queue.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.act.Run(ctx)
	}()

	if c.cfg.Proxy.Enabled {
		prx, err := proxy.New(proxy.Options{
			Table:       c.table,
			Active:      c.sel.Active,
			BasePort:    c.cfg.Proxy.BasePort,
			OutputPort:  c.cfg.Proxy.OutputPort,
			ReadTimeout: c.cfg.Proxy.ReadTimeout,
			Logger:      logging.New(c.cfg.Logger).With("component", "proxy"),
			Metrics:     c.metricsProvider,
		})
		if err != nil {
			c.log.ErrorCtx(ctx, "proxy disabled", "error", err)
			_ = c.bus.Publish(telemEvents.Event{Category: telemEvents.CategoryProxy, Type: "bind_failed", Severity: "error",
				Fields: map[string]interface{}{"error": err.Error()}})
		} else {
			c.prx = prx
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				prx.Run(ctx)
			}()
		}
	}

	// Health monitor and failover engine share one tick loop. Failover is
	// evaluated every tick so detection-to-switch stays inside the stream
	// loss threshold plus one cadence; a heavy summary logs at 30 ticks.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tickN := 0
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.mon.Tick(now)
				c.fo.Evaluate(now)
				tickN++
				if tickN%30 == 0 {
					snap := c.healthEval.Evaluate(ctx)
					c.log.InfoCtx(ctx, "health summary", "overall", snap.Overall.String(), "active", c.ActiveID())
				}
			}
		}
	}()

	if c.cfg.HTTPAddr != "" {
		handler := controlhttp.NewHandler(controlhttp.Options{
			Switcher:      c,
			Health:        c.healthEval,
			Status:        func() any { return c.Snapshot() },
			Metrics:       c.MetricsHandler(),
			SwitchMetrics: c.SwitchMetricsHandler(),
		})
		ln, err := net.Listen("tcp", c.cfg.HTTPAddr)
		if err != nil {
			c.log.ErrorCtx(ctx, "http surface disabled", "addr", c.cfg.HTTPAddr, "error", err)
		} else {
			c.httpSrv = &http.Server{Handler: handler}
			c.httpLn = ln
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if serr := c.httpSrv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
					c.log.ErrorCtx(ctx, "http surface failed", "error", serr)
				}
			}()
		}
	}

	if c.cfg.CommandFile != "" {
		c.poller = cmdfile.New(cmdfile.Options{
			Path:     c.cfg.CommandFile,
			Interval: c.cfg.CommandPollInterval,
			Queue:    c,
			Status:   c.statusString,
			Logger:   logging.New(c.cfg.Logger).With("component", "cmdfile"),
		})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.poller.Run(ctx)
		}()
	}

	if c.runtimeMgr != nil {
		if err := c.runtimeMgr.Load(); err != nil {
			c.log.WarnCtx(ctx, "runtime config load failed, defaults in force", "error", err)
		} else {
			mp := c.runtimeMgr.Current().Monitor
			mp.Failover.Enabled = c.cfg.AutoFailover || mp.Failover.Enabled
			c.UpdatePolicy(&mp)
		}
		if err := c.hotReload.Start(func(rc intruntime.RuntimeConfig) {
			mp := rc.Monitor
			c.UpdatePolicy(&mp)
		}); err != nil {
			c.log.WarnCtx(ctx, "runtime config watch failed", "error", err)
		}
	}

	// Bridge internal events to registered facade observers and the
	// monitoring aggregates.
	c.obsSub = c.bus.Subscribe(c.cfg.EventBusBuffer)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range c.obsSub.C() {
			if c.monSys != nil && ev.Category == telemEvents.CategoryFailover && ev.Type == "elected" {
				from, _ := ev.Fields["from"].(string)
				c.monSys.Collector.RecordFailover(from, "active unhealthy")
				c.monSys.Logger.LogFailover(ctx, from, ev.Source, "active unhealthy")
			}
			c.dispatchEvent(ev)
		}
	}()

	c.log.InfoCtx(ctx, "controller started",
		"sources", c.table.Len(), "mode", string(c.cfg.Mode), "failover", c.Policy().Failover.Enabled)
	return nil
}

// Stop shuts the controller down: cancels every loop, closes the queue so
// the actuator exits, stops the HTTP listener, joins all goroutines and
// drains whatever commands remain. Idempotent.
func (c *Controller) Stop() error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.sel.AwaitStable()
	c.queue.Close()
	if c.httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.httpSrv.Shutdown(sctx)
		scancel()
	}
	if c.hotReload != nil {
		c.hotReload.Stop()
	}
	if c.obsSub != nil {
		_ = c.obsSub.Close()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.log.ErrorCtx(context.Background(), "shutdown join timed out")
	}
	if dropped := c.queue.Drain(); dropped > 0 {
		c.log.InfoCtx(context.Background(), "drained command queue", "dropped", dropped)
	}
	c.log.InfoCtx(context.Background(), "controller stopped")
	return nil
}

// BoundHTTPAddr returns the control surface's listen address, empty when the
// HTTP surface is disabled or not yet started. Useful with a ":0" config.
func (c *Controller) BoundHTTPAddr() string {
	if c.httpLn == nil {
		return ""
	}
	return c.httpLn.Addr().String()
}

// EnqueueSwitch places a switch request on the command queue. Producers get
// queue errors back; target validation happens in the actuator.
func (c *Controller) EnqueueSwitch(id string) error {
	return c.queue.Enqueue(id)
}

// Switch is the public convenience alias for EnqueueSwitch.
func (c *Controller) Switch(id string) error { return c.EnqueueSwitch(id) }

// AttachFilterGraph installs the downstream stream-selecting filter's
// command surface. Until one is attached, selection is purely logical.
func (c *Controller) AttachFilterGraph(g FilterGraph) { c.filter.Attach(g) }

// ActiveID returns the ID of the currently selected source.
func (c *Controller) ActiveID() string { return c.table.At(c.sel.Active()).ID }

// ActiveIndex returns the currently selected index.
func (c *Controller) ActiveIndex() int { return c.sel.Active() }

// FailoverCount returns the number of effected automatic failovers.
func (c *Controller) FailoverCount() uint64 { return c.fo.Count() }

// Snapshot returns a unified state view.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:     c.startedAt,
		ActiveIndex:   c.sel.Active(),
		Mode:          c.cfg.Mode,
		Switching:     c.sel.Switching(),
		FailoverCount: c.fo.Count(),
		QueueDepth:    c.queue.Len(),
		QueueCapacity: c.queue.Cap(),
		ProxyActive:   c.prx != nil,
	}
	if !snap.StartedAt.IsZero() {
		snap.Uptime = time.Since(snap.StartedAt)
	}
	if us := c.sel.LastSwitchMicros(); us != 0 {
		snap.LastSwitchAt = time.UnixMicro(us)
	}
	snap.LastFailoverAt = c.fo.LastFailoverAt()
	snap.ActiveSource = c.table.At(snap.ActiveIndex).ID
	snap.Sources = make([]SourceStatus, 0, c.table.Len())
	for i := 0; i < c.table.Len(); i++ {
		src := c.table.At(i)
		snap.Sources = append(snap.Sources, SourceStatus{ID: src.ID, URL: src.URL, Name: src.Name, Health: src.Snapshot()})
	}
	return snap
}

// HealthSnapshot evaluates (or returns cached) controller health.
func (c *Controller) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	return c.healthEval.Evaluate(ctx)
}

// MetricsHandler returns the HTTP handler for metrics exposition, nil when
// the active backend has none (otel, noop, disabled).
func (c *Controller) MetricsHandler() http.Handler {
	if hp, ok := c.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// RegisterEventObserver adds an observer for internal telemetry events.
// Safe for concurrent use; nil observers are ignored.
func (c *Controller) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	c.eventObserversMu.Lock()
	c.eventObservers = append(c.eventObservers, obs)
	c.eventObserversMu.Unlock()
}

func (c *Controller) dispatchEvent(ev telemEvents.Event) {
	c.eventObserversMu.RLock()
	if len(c.eventObservers) == 0 {
		c.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), c.eventObservers...)
	c.eventObserversMu.RUnlock()
	pub := Event{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, Source: ev.Source, Fields: ev.Fields}
	for _, o := range observers {
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// observeSwitch feeds the monitoring aggregates from the actuator's hook.
func (c *Controller) observeSwitch(from, to string, ok bool, latency time.Duration) {
	if c.monSys == nil {
		return
	}
	ctx, span := c.monSys.Tracer.StartSwitchOperation(context.Background(), from, to)
	if !ok {
		c.monSys.Tracer.RecordError(ctx, errors.New("filter adapter failed"))
	}
	span.End()
	c.monSys.Collector.RecordSwitch(to, latency, ok)
	c.monSys.Logger.LogSwitch(ctx, from, to, latency, ok)
}

// SwitchMetricsHandler exposes the aggregated switch metrics registry, nil
// when metrics are disabled.
func (c *Controller) SwitchMetricsHandler() http.Handler {
	if c.monSys == nil {
		return nil
	}
	return c.monSys.Prometheus.GetMetricsHandler()
}

// statusString renders the snapshot for the command file's 's' command.
func (c *Controller) statusString() string {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Sprintf("snapshot error: %v", err)
	}
	return string(data)
}
