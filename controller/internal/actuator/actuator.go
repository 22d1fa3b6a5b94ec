package actuator

// Selection actuator: the single consumer of the command queue and the only
// writer of the selection state. Mode routines share one atomic state update;
// their real differences (keyframe wait, splice alignment) live downstream in
// the filter graph, so here they diverge only in what is pushed and reported.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/99souls/mswitch/controller/internal/cmdqueue"
	"github.com/99souls/mswitch/controller/internal/telemetry/events"
	"github.com/99souls/mswitch/controller/internal/telemetry/metrics"
	"github.com/99souls/mswitch/controller/internal/telemetry/tracing"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

// ErrUnknownSource reports a command target missing from the table. The
// command is dropped.
var ErrUnknownSource = errors.New("unknown source")

// ModeParams are the masking knobs the cutover path reports downstream.
type ModeParams struct {
	Mode        models.Mode
	OnCut       models.OnCut
	FreezeOnCut time.Duration
}

// Options wires the actuator's collaborators.
type Options struct {
	Table     *models.SourceTable
	Selection *models.Selection
	Queue     *cmdqueue.Queue
	Filter    *FilterAdapter
	Mode      func() ModeParams
	Logger    logging.Logger
	Bus       events.Bus
	Tracer    *tracing.Tracer  // optional
	Metrics   metrics.Provider // optional

	// OnSwitch, when set, observes every effected switch (monitoring hook).
	OnSwitch func(from, to string, ok bool, latency time.Duration)
}

// Actuator consumes selection requests and effects switches.
type Actuator struct {
	table  *models.SourceTable
	sel    *models.Selection
	queue  *cmdqueue.Queue
	filter *FilterAdapter
	mode   func() ModeParams
	log    logging.Logger
	bus    events.Bus
	tracer *tracing.Tracer
	onSw   func(from, to string, ok bool, latency time.Duration)

	switchCtr   metrics.Counter
	activeGauge metrics.Gauge
	latencyHist metrics.Histogram
}

// New constructs an Actuator.
func New(opts Options) *Actuator {
	a := &Actuator{
		table:  opts.Table,
		sel:    opts.Selection,
		queue:  opts.Queue,
		filter: opts.Filter,
		mode:   opts.Mode,
		log:    opts.Logger,
		bus:    opts.Bus,
		tracer: opts.Tracer,
		onSw:   opts.OnSwitch,
	}
	if a.log == nil {
		a.log = logging.New(nil)
	}
	if opts.Metrics != nil {
		a.switchCtr = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "switch", Name: "total",
			Help: "Effected switches", Labels: []string{"mode", "target"}}})
		a.activeGauge = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "switch", Name: "active_index",
			Help: "Currently selected source index"}})
		a.latencyHist = opts.Metrics.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "switch", Name: "latency_seconds",
			Help: "Queue-to-effect switch latency"},
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5}})
	}
	return a
}

// Run consumes the queue until it is closed. The dedicated consumer preserves
// the single-mutator property for the selection state.
func (a *Actuator) Run(ctx context.Context) {
	for {
		cmd, ok := a.queue.Dequeue()
		if !ok {
			return
		}
		if err := a.Execute(ctx, cmd); err != nil {
			a.log.WarnCtx(ctx, "switch command dropped", "target", cmd.SourceID, "error", err)
		}
	}
}

// Execute validates and effects one command. UnknownSource is returned to the
// caller; a command targeting the already active source succeeds without any
// state change.
func (a *Actuator) Execute(ctx context.Context, cmd cmdqueue.Command) error {
	if a.tracer != nil {
		ctx, _ = a.tracer.Begin(ctx, cmd.SourceID)
	}

	target, ok := a.table.Resolve(cmd.SourceID)
	if !ok {
		a.publish("rejected", cmd.SourceID, "warn", map[string]interface{}{"error": "unknown source"})
		return fmt.Errorf("%w: %q", ErrUnknownSource, cmd.SourceID)
	}
	from := a.sel.Active()
	if target == from {
		a.log.InfoCtx(ctx, "switch no-op, already active", "target", cmd.SourceID)
		return nil
	}

	mp := a.mode()
	var err error
	switch mp.Mode {
	case models.ModeSeamless:
		err = a.switchSeamless(ctx, target)
	case models.ModeGraceful:
		err = a.switchGraceful(ctx, target)
	default:
		err = a.switchCutover(ctx, target, mp)
	}

	fromID, toID := a.table.At(from).ID, a.table.At(target).ID
	latency := time.Since(cmd.EnqueuedAt)
	if a.switchCtr != nil {
		a.switchCtr.Inc(1, string(mp.Mode), toID)
	}
	if a.activeGauge != nil {
		a.activeGauge.Set(float64(target))
	}
	if a.latencyHist != nil {
		a.latencyHist.Observe(latency.Seconds())
	}
	if a.onSw != nil {
		a.onSw(fromID, toID, err == nil, latency)
	}
	if err != nil {
		// The state change is kept; the filter graph catches up on the next
		// successful apply. Reported, not rolled back.
		a.log.ErrorCtx(ctx, "filter adapter failed after switch", "from", fromID, "to", toID, "error", err)
		a.publish("filter_error", toID, "error", map[string]interface{}{"from": fromID, "error": err.Error()})
		return nil
	}
	a.log.InfoCtx(ctx, "switched", "from", fromID, "to", toID, "mode", string(mp.Mode), "latency", latency)
	a.publish("switched", toID, "info", map[string]interface{}{"from": fromID, "mode": string(mp.Mode)})
	return nil
}

// switchSeamless presumes bit-compatible streams: pointer and map parameter
// move together in one critical section, no masking.
func (a *Actuator) switchSeamless(ctx context.Context, target int) error {
	return a.sel.Swap(target, time.Now(), func() error { return a.filter.Apply(target) })
}

// switchGraceful flips immediately; the downstream graph holds the previous
// program until the new source's next keyframe.
func (a *Actuator) switchGraceful(ctx context.Context, target int) error {
	return a.sel.Swap(target, time.Now(), func() error { return a.filter.Apply(target) })
}

// switchCutover flips immediately and reports the masking policy so the
// downstream graph can emit freeze or black for the configured gap.
func (a *Actuator) switchCutover(ctx context.Context, target int, mp ModeParams) error {
	err := a.sel.Swap(target, time.Now(), func() error { return a.filter.Apply(target) })
	a.publish("cut_mask", a.table.At(target).ID, "info", map[string]interface{}{
		"on_cut": string(mp.OnCut), "duration_ms": mp.FreezeOnCut.Milliseconds()})
	return err
}

func (a *Actuator) publish(typ, source, severity string, fields map[string]interface{}) {
	if a.bus == nil {
		return
	}
	_ = a.bus.Publish(events.Event{Category: events.CategorySwitch, Type: typ, Source: source, Severity: severity, Fields: fields})
}
