package monitor

// Automatic failover policy. Runs on the monitor tick, after verdicts are
// stored. All decisions route through the command queue like any manual
// request, so a late operator override supersedes an automatic one simply by
// being enqueued last.

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/99souls/mswitch/controller/internal/cmdqueue"
	"github.com/99souls/mswitch/controller/internal/policy"
	"github.com/99souls/mswitch/controller/internal/telemetry/events"
	"github.com/99souls/mswitch/controller/internal/telemetry/metrics"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

// FailoverOptions wires the engine's collaborators.
type FailoverOptions struct {
	Table     *models.SourceTable
	Selection *models.Selection
	Queue     *cmdqueue.Queue
	Policy    func() policy.MonitorPolicy
	Logger    logging.Logger
	Bus       events.Bus
	Metrics   metrics.Provider // optional
}

// Failover elects replacement sources when the active one degrades.
// Evaluate is called from the monitor goroutine only; the counter and stamp
// are atomic because snapshots read them from other goroutines.
type Failover struct {
	table *models.SourceTable
	sel   *models.Selection
	queue *cmdqueue.Queue
	pol   func() policy.MonitorPolicy
	log   logging.Logger
	bus   events.Bus

	count        atomic.Uint64
	lastAttempt  atomic.Int64 // unix millis of last auto enqueue, anti-flap dwell
	failoverCtr  metrics.Counter
	noCandidates metrics.Counter

	// revert bookkeeping, monitor goroutine only
	revertTarget       int // index we auto-failed away from, -1 when none
	revertHealthySince time.Time
}

// NewFailover constructs the engine.
func NewFailover(opts FailoverOptions) *Failover {
	f := &Failover{
		table:        opts.Table,
		sel:          opts.Selection,
		queue:        opts.Queue,
		pol:          opts.Policy,
		log:          opts.Logger,
		bus:          opts.Bus,
		revertTarget: -1,
	}
	if opts.Metrics != nil {
		f.failoverCtr = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "failover", Name: "total", Help: "Automatic failovers enqueued"}})
		f.noCandidates = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "failover", Name: "no_candidate_total", Help: "Ticks with an unhealthy active source and no eligible candidate"}})
	}
	return f
}

// Count returns the number of effected automatic failovers. Monotone.
func (f *Failover) Count() uint64 { return f.count.Load() }

// LastFailoverAt returns the time of the latest automatic enqueue, zero if
// none. Reverts share the anti-flap stamp, so a revert enqueue moves it too.
func (f *Failover) LastFailoverAt() time.Time {
	ms := f.lastAttempt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Evaluate runs one policy pass.
func (f *Failover) Evaluate(now time.Time) {
	p := f.pol()
	if !p.Failover.Enabled {
		return
	}
	active := f.sel.Active()

	f.maybeRevert(active, now, p)

	if f.table.At(active).Healthy() {
		return
	}
	if !f.dwellElapsed(now, p.Failover.HealthWindow) {
		return
	}
	j, ok := f.candidate(active, now, p.Failover.RecoveryDelay)
	if !ok {
		f.log.WarnCtx(context.Background(), "failover: no candidate", "active", f.table.At(active).ID)
		if f.noCandidates != nil {
			f.noCandidates.Inc(1)
		}
		f.publish("no_candidate", f.table.At(active).ID, nil)
		return
	}
	target := f.table.At(j)
	if err := f.queue.Enqueue(target.ID); err != nil {
		f.log.ErrorCtx(context.Background(), "failover: enqueue failed", "target", target.ID, "error", err)
		return
	}
	f.count.Add(1)
	f.lastAttempt.Store(now.UnixMilli())
	f.revertTarget = active
	f.revertHealthySince = time.Time{}
	if f.failoverCtr != nil {
		f.failoverCtr.Inc(1)
	}
	f.log.InfoCtx(context.Background(), "failover: switching",
		"from", f.table.At(active).ID, "to", target.ID)
	f.publish("elected", target.ID, map[string]interface{}{"from": f.table.At(active).ID})
}

// candidate picks the lowest-indexed healthy source other than active whose
// recovery hysteresis has elapsed. Index order is the tie-break.
func (f *Failover) candidate(active int, now time.Time, recoveryDelay time.Duration) (int, bool) {
	for j := 0; j < f.table.Len(); j++ {
		if j == active {
			continue
		}
		src := f.table.At(j)
		if !src.Healthy() {
			continue
		}
		if rec := src.LastRecovery(); !rec.IsZero() && now.Sub(rec) < recoveryDelay {
			continue
		}
		return j, true
	}
	return 0, false
}

// maybeRevert switches back to the source we failed away from once it has
// stayed healthy for the revert window. Reverts ride the same queue and dwell
// but do not count as failovers.
func (f *Failover) maybeRevert(active int, now time.Time, p policy.MonitorPolicy) {
	if p.Revert.Policy != "auto" || f.revertTarget < 0 || f.revertTarget == active {
		return
	}
	src := f.table.At(f.revertTarget)
	if !src.Healthy() {
		f.revertHealthySince = time.Time{}
		return
	}
	if f.revertHealthySince.IsZero() {
		f.revertHealthySince = now
		return
	}
	if now.Sub(f.revertHealthySince) < p.Revert.HealthWindow {
		return
	}
	if !f.dwellElapsed(now, p.Failover.HealthWindow) {
		return
	}
	if err := f.queue.Enqueue(src.ID); err != nil {
		f.log.ErrorCtx(context.Background(), "revert: enqueue failed", "target", src.ID, "error", err)
		return
	}
	f.lastAttempt.Store(now.UnixMilli())
	f.log.InfoCtx(context.Background(), "revert: switching back", "to", src.ID)
	f.publish("revert", src.ID, nil)
	f.revertTarget = -1
	f.revertHealthySince = time.Time{}
}

func (f *Failover) dwellElapsed(now time.Time, window time.Duration) bool {
	last := f.lastAttempt.Load()
	return last == 0 || now.Sub(time.UnixMilli(last)) >= window
}

func (f *Failover) publish(typ, source string, fields map[string]interface{}) {
	if f.bus == nil {
		return
	}
	sev := "info"
	if typ == "no_candidate" {
		sev = "warn"
	}
	_ = f.bus.Publish(events.Event{Category: events.CategoryFailover, Type: typ, Source: source, Severity: sev, Fields: fields})
}
