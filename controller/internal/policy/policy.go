package policy

// Runtime-tunable monitor policy. Swapped atomically by the controller so the
// health and failover loops read an immutable snapshot each tick instead of
// taking locks. All durations fall back to defaults via Normalize.

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds are the per-signal limits the health monitor evaluates against.
// Comparisons are strict: a value exactly at the threshold is not unhealthy.
type Thresholds struct {
	StreamLoss        time.Duration `yaml:"stream_loss"`
	PIDLoss           time.Duration `yaml:"pid_loss"`
	Black             time.Duration `yaml:"black_ms"`
	CCErrorsPerSec    float64       `yaml:"cc_errors_per_sec"`
	PacketLossPercent float64       `yaml:"packet_loss_percent"`
	PacketLossWindow  time.Duration `yaml:"packet_loss_window_sec"`
}

// FailoverPolicy tunes the automatic failover engine.
type FailoverPolicy struct {
	Enabled       bool          `yaml:"enabled"`
	HealthWindow  time.Duration `yaml:"health_window"`  // anti-flap dwell between auto switches
	RecoveryDelay time.Duration `yaml:"recovery_delay"` // hysteresis after unhealthy -> healthy
}

// RevertPolicy controls switching back to a recovered source.
type RevertPolicy struct {
	Policy       string        `yaml:"policy"` // "auto" or "manual"
	HealthWindow time.Duration `yaml:"health_window"`
}

// PipelinePolicy holds the downstream-derived limits applied to the active
// source only.
type PipelinePolicy struct {
	MaxDropPerSec     float64       `yaml:"max_drop_per_sec"`
	MinFrameRate      float64       `yaml:"min_frame_rate"`
	MaxDupPerSec      float64       `yaml:"max_dup_per_sec"`
	CriticalFrameRate float64       `yaml:"critical_frame_rate"` // below this, fail over immediately
	DegradePersist    time.Duration `yaml:"degrade_persist"`     // milder degradation must persist this long
}

// MonitorPolicy is the full policy snapshot.
type MonitorPolicy struct {
	Thresholds  Thresholds     `yaml:"thresholds"`
	Failover    FailoverPolicy `yaml:"failover"`
	Revert      RevertPolicy   `yaml:"revert"`
	Pipeline    PipelinePolicy `yaml:"pipeline"`
	GracePeriod time.Duration  `yaml:"grace_period"`
}

// Default returns the stock policy.
func Default() MonitorPolicy {
	return MonitorPolicy{
		Thresholds: Thresholds{
			StreamLoss:        2000 * time.Millisecond,
			PIDLoss:           500 * time.Millisecond,
			Black:             800 * time.Millisecond,
			CCErrorsPerSec:    5,
			PacketLossPercent: 2.0,
			PacketLossWindow:  10 * time.Second,
		},
		Failover: FailoverPolicy{
			Enabled:       false,
			HealthWindow:  5 * time.Second,
			RecoveryDelay: 5 * time.Second,
		},
		Revert: RevertPolicy{
			Policy:       "manual",
			HealthWindow: 5 * time.Second,
		},
		Pipeline: PipelinePolicy{
			MaxDropPerSec:     1,
			MinFrameRate:      5,
			MaxDupPerSec:      10,
			CriticalFrameRate: 1,
			DegradePersist:    200 * time.Millisecond,
		},
		GracePeriod: 30 * time.Second,
	}
}

// Normalize returns a cleaned copy with zero or negative knobs replaced by
// defaults and the revert policy clamped to a known value.
func (p MonitorPolicy) Normalize() MonitorPolicy {
	d := Default()
	c := p
	if c.Thresholds.StreamLoss <= 0 {
		c.Thresholds.StreamLoss = d.Thresholds.StreamLoss
	}
	if c.Thresholds.PIDLoss <= 0 {
		c.Thresholds.PIDLoss = d.Thresholds.PIDLoss
	}
	if c.Thresholds.Black <= 0 {
		c.Thresholds.Black = d.Thresholds.Black
	}
	if c.Thresholds.CCErrorsPerSec <= 0 {
		c.Thresholds.CCErrorsPerSec = d.Thresholds.CCErrorsPerSec
	}
	if c.Thresholds.PacketLossPercent <= 0 {
		c.Thresholds.PacketLossPercent = d.Thresholds.PacketLossPercent
	}
	if c.Thresholds.PacketLossWindow <= 0 {
		c.Thresholds.PacketLossWindow = d.Thresholds.PacketLossWindow
	}
	if c.Failover.HealthWindow <= 0 {
		c.Failover.HealthWindow = d.Failover.HealthWindow
	}
	if c.Failover.RecoveryDelay <= 0 {
		c.Failover.RecoveryDelay = d.Failover.RecoveryDelay
	}
	if c.Revert.Policy != "auto" {
		c.Revert.Policy = "manual"
	}
	if c.Revert.HealthWindow <= 0 {
		c.Revert.HealthWindow = d.Revert.HealthWindow
	}
	if c.Pipeline.MaxDropPerSec <= 0 {
		c.Pipeline.MaxDropPerSec = d.Pipeline.MaxDropPerSec
	}
	if c.Pipeline.MinFrameRate <= 0 {
		c.Pipeline.MinFrameRate = d.Pipeline.MinFrameRate
	}
	if c.Pipeline.MaxDupPerSec <= 0 {
		c.Pipeline.MaxDupPerSec = d.Pipeline.MaxDupPerSec
	}
	if c.Pipeline.CriticalFrameRate <= 0 {
		c.Pipeline.CriticalFrameRate = d.Pipeline.CriticalFrameRate
	}
	if c.Pipeline.DegradePersist <= 0 {
		c.Pipeline.DegradePersist = d.Pipeline.DegradePersist
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	return c
}

// ParseThresholds applies a comma separated "key=value" specification over
// base. Unknown keys are ignored; a malformed value is an error.
//
// Keys: stream_loss, pid_loss, black_ms (milliseconds), cc_errors_per_sec,
// packet_loss_percent, packet_loss_window_sec (seconds).
func ParseThresholds(spec string, base Thresholds) (Thresholds, error) {
	out := base
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			return out, fmt.Errorf("malformed threshold %q", tok)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return out, fmt.Errorf("threshold %s: %w", key, err)
		}
		switch key {
		case "stream_loss":
			out.StreamLoss = time.Duration(f * float64(time.Millisecond))
		case "pid_loss":
			out.PIDLoss = time.Duration(f * float64(time.Millisecond))
		case "black_ms":
			out.Black = time.Duration(f * float64(time.Millisecond))
		case "cc_errors_per_sec":
			out.CCErrorsPerSec = f
		case "packet_loss_percent":
			out.PacketLossPercent = f
		case "packet_loss_window_sec":
			out.PacketLossWindow = time.Duration(f * float64(time.Second))
		default:
			// unknown keys tolerated for forward compatibility
		}
	}
	return out, nil
}
