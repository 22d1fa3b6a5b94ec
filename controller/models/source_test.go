package models

import (
	"testing"
	"time"
)

func TestParseSourcesCanonical(t *testing.T) {
	table, err := ParseSources("s0=udp://127.0.0.1:5000;s1=udp://127.0.0.1:5001", 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 sources got %d", table.Len())
	}
	if table.At(0).ID != "s0" || table.At(1).ID != "s1" {
		t.Fatalf("ids wrong: %s %s", table.At(0).ID, table.At(1).ID)
	}
	if table.At(0).URL != "udp://127.0.0.1:5000" {
		t.Fatalf("url wrong: %s", table.At(0).URL)
	}
}

func TestParseSourcesRoundTrip(t *testing.T) {
	spec := "s0=udp://127.0.0.1:5000;s1=udp://127.0.0.1:5001"
	table, err := ParseSources(spec, 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := table.String(); got != spec {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestParseSourcesRejectsDuplicatesAndEmpty(t *testing.T) {
	if _, err := ParseSources("a=u1;a=u2", 3); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := ParseSources("", 3); err == nil {
		t.Fatalf("expected empty set error")
	}
	if _, err := ParseSources(";;", 3); err == nil {
		t.Fatalf("expected empty set error for separator-only input")
	}
}

func TestParseSourcesIgnoresTrailingTokens(t *testing.T) {
	table, err := ParseSources("a=u1;b=u2;", 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 got %d", table.Len())
	}
}

func TestParseSourcesEnforcesCap(t *testing.T) {
	if _, err := ParseSources("a=1;b=2;c=3;d=4", 3); err == nil {
		t.Fatalf("expected cap error")
	}
}

func TestResolveByIDAndDigit(t *testing.T) {
	table, _ := ParseSources("s0=u0;s1=u1;s2=u2", 3)
	if i, ok := table.Resolve("s1"); !ok || i != 1 {
		t.Fatalf("resolve s1: %d %v", i, ok)
	}
	if i, ok := table.Resolve("2"); !ok || i != 2 {
		t.Fatalf("resolve 2: %d %v", i, ok)
	}
	if _, ok := table.Resolve("7"); ok {
		t.Fatalf("index 7 should not resolve with 3 sources")
	}
	if _, ok := table.Resolve("sX"); ok {
		t.Fatalf("unknown id should not resolve")
	}
}

func TestMarkPacketAndLossWindow(t *testing.T) {
	table, _ := ParseSources("a=u", 1)
	src := table.At(0)
	now := time.Now()
	for i := 0; i < 98; i++ {
		src.MarkPacket(now)
	}
	src.ObserveLoss(2)
	pct := src.RollLossWindow(now.Add(time.Second), 10*time.Second)
	if pct != 2.0 {
		t.Fatalf("expected 2%% loss got %v", pct)
	}
	// window rolls over at width; counters reset
	_ = src.RollLossWindow(now.Add(11*time.Second), 10*time.Second)
	hs := src.Snapshot()
	if hs.PacketsInWindow != 0 || hs.LostInWindow != 0 {
		t.Fatalf("window should have rolled: %+v", hs)
	}
}

func TestSetVerdictStampsRecovery(t *testing.T) {
	table, _ := ParseSources("a=u", 1)
	src := table.At(0)
	t0 := time.Now()
	if rec := src.SetVerdict(false, "stream loss: test", t0); rec {
		t.Fatalf("healthy->unhealthy is not a recovery")
	}
	if src.Healthy() {
		t.Fatalf("expected unhealthy")
	}
	t1 := t0.Add(time.Second)
	if rec := src.SetVerdict(true, "", t1); !rec {
		t.Fatalf("expected recovery transition")
	}
	if got := src.LastRecovery(); !got.Equal(t1) {
		t.Fatalf("recovery stamp wrong: %v", got)
	}
	if src.Snapshot().StreamLossCount != 1 {
		t.Fatalf("expected one stream loss counted")
	}
}

func TestCCErrorBucketExpires(t *testing.T) {
	table, _ := ParseSources("a=u", 1)
	src := table.At(0)
	now := time.Now()
	src.ObserveCCErrors(6, now)
	if rate := src.CCRate(now.Add(500 * time.Millisecond)); rate != 6 {
		t.Fatalf("expected rate 6 got %v", rate)
	}
	if rate := src.CCRate(now.Add(1500 * time.Millisecond)); rate != 0 {
		t.Fatalf("stale bucket should read zero, got %v", rate)
	}
}

func TestSelectionSwapAtomicity(t *testing.T) {
	sel := NewSelection()
	if sel.Active() != 0 {
		t.Fatalf("initial active must be 0")
	}
	err := sel.Swap(2, time.Now(), func() error {
		if !sel.Switching() {
			t.Errorf("switching flag must be set inside apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if sel.Active() != 2 || sel.Switching() {
		t.Fatalf("post-swap state wrong: active=%d switching=%v", sel.Active(), sel.Switching())
	}
	if sel.LastSwitchMicros() == 0 {
		t.Fatalf("last switch stamp missing")
	}
}
