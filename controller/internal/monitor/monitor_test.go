package monitor

import (
	"testing"
	"time"

	"github.com/99souls/mswitch/controller/internal/policy"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

func testPolicy() policy.MonitorPolicy {
	p := policy.Default()
	p.GracePeriod = time.Second
	return p
}

func newTestMonitor(t *testing.T, spec string, pol policy.MonitorPolicy) (*Monitor, *models.SourceTable, *models.Selection) {
	t.Helper()
	table, err := models.ParseSources(spec, 3)
	if err != nil {
		t.Fatalf("parse sources: %v", err)
	}
	sel := models.NewSelection()
	m := New(Options{
		Table:     table,
		Selection: sel,
		Policy:    func() policy.MonitorPolicy { return pol },
		Logger:    logging.New(nil),
	})
	return m, table, sel
}

func TestGracePeriodWithholdsVerdicts(t *testing.T) {
	m, table, _ := newTestMonitor(t, "s0=u0;s1=u1", testPolicy())
	t0 := time.Now()

	// no output observed yet: grace holds indefinitely
	m.Tick(t0)
	if !m.InGrace(t0) {
		t.Fatalf("grace must hold before any output")
	}
	for i := 0; i < table.Len(); i++ {
		if !table.At(i).Healthy() {
			t.Fatalf("source %d unhealthy during grace", i)
		}
	}

	// first output starts the stabilization window
	table.At(0).MarkPacket(t0)
	m.Tick(t0)
	if !m.InGrace(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("grace must hold through the stabilization window")
	}
	m.Tick(t0.Add(900 * time.Millisecond))
	for i := 0; i < table.Len(); i++ {
		if !table.At(i).Healthy() {
			t.Fatalf("source %d unhealthy inside stabilization window", i)
		}
	}
	if m.InGrace(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("grace must end after the window elapses")
	}
}

func TestStreamLossVerdict(t *testing.T) {
	m, table, _ := newTestMonitor(t, "s0=u0;s1=u1", testPolicy())
	t0 := time.Now()
	table.At(0).MarkPacket(t0)
	table.At(1).MarkPacket(t0)
	m.Tick(t0)

	// both fresh shortly after grace: healthy
	t1 := t0.Add(1500 * time.Millisecond)
	table.At(1).MarkPacket(t1)
	m.Tick(t1)
	if !table.At(0).Healthy() || !table.At(1).Healthy() {
		t.Fatalf("both should still be healthy at %v", t1.Sub(t0))
	}

	// source 0 silent past the threshold
	t2 := t0.Add(3 * time.Second)
	table.At(1).MarkPacket(t2)
	m.Tick(t2)
	if table.At(0).Healthy() {
		t.Fatalf("source 0 should be unhealthy after stream loss")
	}
	if !table.At(1).Healthy() {
		t.Fatalf("source 1 should remain healthy")
	}
	if table.At(0).Snapshot().Reason == "" {
		t.Fatalf("unhealthy verdict should carry a reason")
	}
}

func TestRecoveryStampsOnTransition(t *testing.T) {
	m, table, _ := newTestMonitor(t, "s0=u0;s1=u1", testPolicy())
	t0 := time.Now()
	table.At(0).MarkPacket(t0)
	table.At(1).MarkPacket(t0)
	m.Tick(t0)

	t1 := t0.Add(4 * time.Second)
	table.At(1).MarkPacket(t1)
	m.Tick(t1)
	if table.At(0).Healthy() {
		t.Fatalf("setup: source 0 should be unhealthy")
	}

	t2 := t1.Add(time.Second)
	table.At(0).MarkPacket(t2)
	table.At(1).MarkPacket(t2)
	m.Tick(t2)
	if !table.At(0).Healthy() {
		t.Fatalf("source 0 should have recovered")
	}
	if table.At(0).LastRecovery().IsZero() {
		t.Fatalf("recovery time must be stamped")
	}
}

func TestThresholdBoundariesAreStrict(t *testing.T) {
	pol := testPolicy()
	m, table, _ := newTestMonitor(t, "s0=u0", pol)
	t0 := time.Now()
	src := table.At(0)
	src.MarkPacket(t0)
	m.Tick(t0)

	t1 := t0.Add(1200 * time.Millisecond)
	src.MarkPacket(t1)
	// exactly at the cc threshold: healthy
	src.ObserveCCErrors(uint64(pol.Thresholds.CCErrorsPerSec), t1)
	m.Tick(t1)
	if !src.Healthy() {
		t.Fatalf("cc rate exactly at threshold must stay healthy")
	}

	t2 := t1.Add(1200 * time.Millisecond)
	src.MarkPacket(t2)
	src.ObserveCCErrors(uint64(pol.Thresholds.CCErrorsPerSec)+1, t2)
	m.Tick(t2)
	if src.Healthy() {
		t.Fatalf("cc rate above threshold must be unhealthy")
	}
}

func TestPacketLossBoundary(t *testing.T) {
	pol := testPolicy()
	m, table, _ := newTestMonitor(t, "s0=u0", pol)
	t0 := time.Now()
	src := table.At(0)
	src.MarkPacket(t0)
	m.Tick(t0)

	t1 := t0.Add(1200 * time.Millisecond)
	// 98 received + 2 lost = exactly 2.0%: healthy
	for i := 0; i < 97; i++ {
		src.MarkPacket(t1)
	}
	src.ObserveLoss(2)
	m.Tick(t1)
	if !src.Healthy() {
		t.Fatalf("loss exactly at threshold must stay healthy: %+v", src.Snapshot())
	}
}

func TestBlackFrameOnActiveOnly(t *testing.T) {
	pol := testPolicy()
	m, table, sel := newTestMonitor(t, "s0=u0;s1=u1", pol)
	t0 := time.Now()
	table.At(0).MarkPacket(t0)
	table.At(1).MarkPacket(t0)
	m.Tick(t0)

	// both emit black; only the active source goes unhealthy for it
	t1 := t0.Add(1200 * time.Millisecond)
	table.At(0).ObserveLuma(5, 2, t1.Add(-time.Second))
	table.At(1).ObserveLuma(5, 2, t1.Add(-time.Second))
	table.At(0).MarkPacket(t1)
	table.At(1).MarkPacket(t1)
	m.Tick(t1)
	if table.At(0).Healthy() {
		t.Fatalf("active source with sustained black must be unhealthy")
	}
	if !table.At(1).Healthy() {
		t.Fatalf("standby source black must not matter")
	}
	_ = sel
}

func TestStandbyIngestSkipsLossChecksOffActive(t *testing.T) {
	pol := testPolicy()
	table, _ := models.ParseSources("s0=u0;s1=u1", 3)
	sel := models.NewSelection()
	m := New(Options{
		Table:     table,
		Selection: sel,
		Policy:    func() policy.MonitorPolicy { return pol },
		Ingest:    models.IngestStandby,
		Logger:    logging.New(nil),
	})
	t0 := time.Now()
	table.At(0).MarkPacket(t0)
	m.Tick(t0)

	// source 1 never produces; in standby ingest that is expected
	t1 := t0.Add(5 * time.Second)
	table.At(0).MarkPacket(t1)
	m.Tick(t1)
	if !table.At(1).Healthy() {
		t.Fatalf("standby source must not be penalized for silence")
	}
}

type fakeEncoder struct {
	written, dup, dropped uint64
}

func (f *fakeEncoder) FramesWritten() uint64    { return f.written }
func (f *fakeEncoder) FramesDuplicated() uint64 { return f.dup }
func (f *fakeEncoder) FramesDropped() uint64    { return f.dropped }

func TestPipelineCollapseIsImmediate(t *testing.T) {
	pol := testPolicy()
	table, _ := models.ParseSources("s0=u0;s1=u1", 3)
	sel := models.NewSelection()
	enc := &fakeEncoder{}
	m := New(Options{
		Table:     table,
		Selection: sel,
		Policy:    func() policy.MonitorPolicy { return pol },
		Encoder:   enc,
		Logger:    logging.New(nil),
	})
	t0 := time.Now()
	table.At(0).MarkPacket(t0)
	table.At(1).MarkPacket(t0)
	enc.written = 100
	m.Tick(t0)

	// healthy output rate
	t1 := t0.Add(1200 * time.Millisecond)
	table.At(0).MarkPacket(t1)
	table.At(1).MarkPacket(t1)
	enc.written = 130
	m.Tick(t1)
	if !table.At(0).Healthy() {
		t.Fatalf("active should be healthy at 25 fps")
	}

	// collapse below the critical rate fails the active source on one tick
	t2 := t1.Add(time.Second)
	table.At(0).MarkPacket(t2)
	table.At(1).MarkPacket(t2)
	enc.written = 130
	m.Tick(t2)
	if table.At(0).Healthy() {
		t.Fatalf("active should fail immediately on output collapse")
	}
	if !table.At(1).Healthy() {
		t.Fatalf("pipeline signals must not affect standby sources")
	}
}
