package monitor

// Per-source liveness evaluation. One coarse tick drives everything: loss
// windows roll, verdicts are stored into the descriptor table, and transitions
// are logged and published. The failover engine (failover.go) consumes the
// verdicts on the same tick cadence.

import (
	"context"
	"fmt"
	"time"

	"github.com/99souls/mswitch/controller/internal/policy"
	"github.com/99souls/mswitch/controller/internal/telemetry/events"
	"github.com/99souls/mswitch/controller/internal/telemetry/metrics"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

// EncoderStats exposes downstream pipeline aggregates. The monitor only reads
// these; they live in the encoder subsystem and are injected at construction.
type EncoderStats interface {
	FramesWritten() uint64
	FramesDuplicated() uint64
	FramesDropped() uint64
}

// Verdict is the outcome of evaluating one source.
type Verdict struct {
	Healthy bool
	Reason  string
}

// Options wires the monitor's collaborators.
type Options struct {
	Table     *models.SourceTable
	Selection *models.Selection
	Policy    func() policy.MonitorPolicy
	Ingest    models.IngestMode
	Encoder   EncoderStats // optional
	Logger    logging.Logger
	Bus       events.Bus
	Metrics   metrics.Provider // optional
}

// Monitor evaluates source health. Tick is called from a single goroutine;
// only the descriptor health blocks are shared, each behind its own mutex.
type Monitor struct {
	table  *models.SourceTable
	sel    *models.Selection
	pol    func() policy.MonitorPolicy
	ingest models.IngestMode
	enc    EncoderStats
	log    logging.Logger
	bus    events.Bus

	healthGauge metrics.Gauge

	firstOutputAt time.Time

	// encoder rate sampling state, tick thread only
	lastSampleAt  time.Time
	lastWritten   uint64
	lastDup       uint64
	lastDropped   uint64
	frameRate     float64
	dupRate       float64
	dropRate      float64
	degradedSince time.Time
}

// New constructs a Monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		table:  opts.Table,
		sel:    opts.Selection,
		pol:    opts.Policy,
		ingest: opts.Ingest,
		enc:    opts.Encoder,
		log:    opts.Logger,
		bus:    opts.Bus,
	}
	if m.ingest == "" {
		m.ingest = models.IngestHot
	}
	if opts.Metrics != nil {
		m.healthGauge = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "health", Name: "source_healthy",
			Help: "Per-source health verdict (1 healthy, 0 unhealthy)", Labels: []string{"source"},
		}})
	}
	return m
}

// InGrace reports whether the startup grace period is still in effect: no
// unhealthy verdict may be stored until some source has been observed
// producing output and the stabilization window has elapsed since.
func (m *Monitor) InGrace(now time.Time) bool {
	if m.firstOutputAt.IsZero() {
		return true
	}
	return now.Sub(m.firstOutputAt) < m.pol().GracePeriod
}

// Tick runs one evaluation pass over all sources.
func (m *Monitor) Tick(now time.Time) {
	m.observeFirstOutput(now)
	m.sampleEncoder(now)
	if m.InGrace(now) {
		return
	}
	p := m.pol()
	active := m.sel.Active()
	for i := 0; i < m.table.Len(); i++ {
		v := m.evaluateSource(i, i == active, now, p)
		m.store(i, v, now)
	}
}

func (m *Monitor) observeFirstOutput(now time.Time) {
	if !m.firstOutputAt.IsZero() {
		return
	}
	for i := 0; i < m.table.Len(); i++ {
		if !m.table.At(i).LastPacket().IsZero() {
			m.firstOutputAt = now
			m.log.InfoCtx(context.Background(), "first output observed, grace period started",
				"source", m.table.At(i).ID, "grace", m.pol().GracePeriod)
			return
		}
	}
	if m.enc != nil && m.enc.FramesWritten() > 0 {
		m.firstOutputAt = now
	}
}

// sampleEncoder derives per-second rates from the encoder aggregates between
// consecutive ticks.
func (m *Monitor) sampleEncoder(now time.Time) {
	if m.enc == nil {
		return
	}
	written, dup, dropped := m.enc.FramesWritten(), m.enc.FramesDuplicated(), m.enc.FramesDropped()
	if !m.lastSampleAt.IsZero() {
		dt := now.Sub(m.lastSampleAt).Seconds()
		if dt > 0 {
			m.frameRate = float64(written-m.lastWritten) / dt
			m.dupRate = float64(dup-m.lastDup) / dt
			m.dropRate = float64(dropped-m.lastDropped) / dt
		}
	}
	m.lastSampleAt = now
	m.lastWritten, m.lastDup, m.lastDropped = written, dup, dropped
}

// evaluateSource applies the threshold checks in their specified order and
// returns the verdict. Thresholds compare strictly; a value sitting exactly
// on the limit stays healthy.
func (m *Monitor) evaluateSource(i int, active bool, now time.Time, p policy.MonitorPolicy) Verdict {
	src := m.table.At(i)

	// Loss-based checks need data flowing; in standby ingest only the active
	// source is expected to produce.
	expectData := active || m.ingest == models.IngestHot

	if expectData {
		last := src.LastPacket()
		if last.IsZero() {
			last = m.firstOutputAt
		}
		if age := now.Sub(last); age > p.Thresholds.StreamLoss {
			return Verdict{Reason: fmt.Sprintf("stream loss: no packets for %s", age.Round(time.Millisecond))}
		}
		if since := src.PIDMissingSince(); !since.IsZero() && now.Sub(since) > p.Thresholds.PIDLoss {
			return Verdict{Reason: "pid loss: expected elementary streams absent"}
		}
		if rate := src.CCRate(now); rate > p.Thresholds.CCErrorsPerSec {
			return Verdict{Reason: fmt.Sprintf("cc errors: %.0f/s", rate)}
		}
		if pct := src.RollLossWindow(now, p.Thresholds.PacketLossWindow); pct > p.Thresholds.PacketLossPercent {
			return Verdict{Reason: fmt.Sprintf("packet loss: %.1f%%", pct)}
		}
	}

	if active {
		if since := src.BlackSince(); !since.IsZero() && now.Sub(since) > p.Thresholds.Black {
			return Verdict{Reason: "black frames on program output"}
		}
		if v, bad := m.pipelineVerdict(now, p.Pipeline); bad {
			return v
		}
	}

	return Verdict{Healthy: true}
}

// pipelineVerdict checks the encoder-derived signals for the active source.
// A critical frame-rate collapse is immediate; milder degradation must
// persist before it counts.
func (m *Monitor) pipelineVerdict(now time.Time, p policy.PipelinePolicy) (Verdict, bool) {
	if m.enc == nil || m.lastSampleAt.IsZero() || (m.frameRate == 0 && m.lastWritten == 0) {
		return Verdict{}, false
	}
	if m.frameRate < p.CriticalFrameRate {
		m.degradedSince = time.Time{}
		return Verdict{Reason: fmt.Sprintf("output collapse: %.1f fps", m.frameRate)}, true
	}
	degraded := m.dropRate > p.MaxDropPerSec || m.frameRate < p.MinFrameRate || m.dupRate > p.MaxDupPerSec
	if !degraded {
		m.degradedSince = time.Time{}
		return Verdict{}, false
	}
	if m.degradedSince.IsZero() {
		m.degradedSince = now
	}
	if now.Sub(m.degradedSince) >= p.DegradePersist {
		return Verdict{Reason: fmt.Sprintf("pipeline degraded: %.1f fps, %.1f drop/s, %.1f dup/s",
			m.frameRate, m.dropRate, m.dupRate)}, true
	}
	return Verdict{}, false
}

// store writes the verdict into the table and reports transitions.
func (m *Monitor) store(i int, v Verdict, now time.Time) {
	src := m.table.At(i)
	was := src.Healthy()
	recovered := src.SetVerdict(v.Healthy, v.Reason, now)
	if m.healthGauge != nil {
		val := 0.0
		if v.Healthy {
			val = 1
		}
		m.healthGauge.Set(val, src.ID)
	}
	switch {
	case recovered:
		m.log.InfoCtx(context.Background(), "source recovered", "source", src.ID)
		m.publish("recovered", src.ID, "info", nil)
	case was && !v.Healthy:
		m.log.WarnCtx(context.Background(), "source unhealthy", "source", src.ID, "reason", v.Reason)
		m.publish("unhealthy", src.ID, "warn", map[string]interface{}{"reason": v.Reason})
	}
}

func (m *Monitor) publish(typ, source, severity string, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(events.Event{Category: events.CategoryHealth, Type: typ, Source: source, Severity: severity, Fields: fields})
}
