package policy

import (
	"testing"
	"time"
)

func TestDefaultThresholds(t *testing.T) {
	p := Default()
	if p.Thresholds.StreamLoss != 2*time.Second {
		t.Fatalf("stream_loss default wrong: %v", p.Thresholds.StreamLoss)
	}
	if p.Thresholds.PIDLoss != 500*time.Millisecond {
		t.Fatalf("pid_loss default wrong: %v", p.Thresholds.PIDLoss)
	}
	if p.Thresholds.CCErrorsPerSec != 5 {
		t.Fatalf("cc_errors_per_sec default wrong: %v", p.Thresholds.CCErrorsPerSec)
	}
	if p.Thresholds.PacketLossWindow != 10*time.Second {
		t.Fatalf("packet_loss_window default wrong: %v", p.Thresholds.PacketLossWindow)
	}
}

func TestParseThresholdsOverridesAndIgnoresUnknown(t *testing.T) {
	base := Default().Thresholds
	got, err := ParseThresholds("stream_loss=1000,black_ms=400,bogus_key=7,packet_loss_percent=3.5", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.StreamLoss != time.Second {
		t.Fatalf("stream_loss override wrong: %v", got.StreamLoss)
	}
	if got.Black != 400*time.Millisecond {
		t.Fatalf("black_ms override wrong: %v", got.Black)
	}
	if got.PacketLossPercent != 3.5 {
		t.Fatalf("packet_loss_percent override wrong: %v", got.PacketLossPercent)
	}
	// untouched keys keep defaults
	if got.PIDLoss != base.PIDLoss {
		t.Fatalf("pid_loss should keep default")
	}
}

func TestParseThresholdsMalformed(t *testing.T) {
	if _, err := ParseThresholds("stream_loss", Default().Thresholds); err == nil {
		t.Fatalf("expected error for missing value")
	}
	if _, err := ParseThresholds("stream_loss=abc", Default().Thresholds); err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
}

func TestNormalizeFillsZeroes(t *testing.T) {
	var p MonitorPolicy
	n := p.Normalize()
	d := Default()
	if n.Thresholds != d.Thresholds {
		t.Fatalf("zero thresholds should normalize to defaults: %+v", n.Thresholds)
	}
	if n.Revert.Policy != "manual" {
		t.Fatalf("revert policy should clamp to manual, got %q", n.Revert.Policy)
	}
	if n.GracePeriod != d.GracePeriod {
		t.Fatalf("grace period should default")
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	p := Default()
	p.Thresholds.StreamLoss = 750 * time.Millisecond
	p.Revert.Policy = "auto"
	n := p.Normalize()
	if n.Thresholds.StreamLoss != 750*time.Millisecond {
		t.Fatalf("explicit stream_loss lost")
	}
	if n.Revert.Policy != "auto" {
		t.Fatalf("explicit auto revert lost")
	}
}
