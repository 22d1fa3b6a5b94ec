package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxSourceIDLen bounds source identifiers; longer IDs are rejected at parse
// and enqueue time so queue elements stay fixed-size friendly.
const MaxSourceIDLen = 15

// DefaultMaxSources is the number of parallel sources a standard deployment
// carries. The table itself accepts any positive cap.
const DefaultMaxSources = 3

var (
	// ErrConfigInvalid is returned for an unusable sources specification.
	// Fatal at start-up; the controller refuses to construct.
	ErrConfigInvalid = errors.New("invalid source configuration")
)

// HealthState is the mutable per-source health block. Only the health monitor
// and the proxy arrival-stamp path write it; everyone else reads snapshots.
type HealthState struct {
	Healthy          bool      `json:"healthy"`
	Reason           string    `json:"reason,omitempty"`
	LastPacketTime   time.Time `json:"last_packet_time,omitempty"`
	LastHealthCheck  time.Time `json:"last_health_check,omitempty"`
	LastRecoveryTime time.Time `json:"last_recovery_time,omitempty"`

	StreamLossCount uint64 `json:"stream_loss_count"`
	BlackFrameCount uint64 `json:"black_frame_count"`
	CCErrorCount    uint64 `json:"cc_error_count"`
	PIDLossCount    uint64 `json:"pid_loss_count"`

	WindowStart        time.Time `json:"window_start,omitempty"`
	PacketsInWindow    uint64    `json:"packets_in_window"`
	LostInWindow       uint64    `json:"lost_in_window"`
	CurrentLossPercent float64   `json:"current_loss_percent"`
}

// Source is one ingest endpoint. Identity fields (ID, URL, Name) are fixed for
// the process lifetime; the health block behind the mutex is the only mutable
// part.
type Source struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`

	mu     sync.Mutex
	health HealthState

	// raw signal inputs folded into verdicts by the monitor
	blackSince      time.Time
	pidMissingSince time.Time
	ccWindowStart   time.Time
	ccInWindow      uint64
}

func newSource(id, url string) *Source {
	return &Source{
		ID:   id,
		URL:  url,
		Name: id,
		// Sources start healthy; the monitor withholds unhealthy verdicts
		// during the startup grace period anyway.
		health: HealthState{Healthy: true},
	}
}

// MarkPacket records a datagram arrival observed by the proxy. Called from the
// proxy read loop only; keep it cheap.
func (s *Source) MarkPacket(now time.Time) {
	s.mu.Lock()
	s.health.LastPacketTime = now
	if s.health.WindowStart.IsZero() {
		s.health.WindowStart = now
	}
	s.health.PacketsInWindow++
	s.mu.Unlock()
}

// ObserveLoss adds externally detected packet loss (continuity gaps) to the
// rolling window.
func (s *Source) ObserveLoss(lost uint64) {
	s.mu.Lock()
	s.health.LostInWindow += lost
	s.mu.Unlock()
}

// ObserveCCErrors accumulates continuity-counter errors into a one second
// bucket used for the errors-per-second verdict.
func (s *Source) ObserveCCErrors(n uint64, now time.Time) {
	s.mu.Lock()
	if s.ccWindowStart.IsZero() || now.Sub(s.ccWindowStart) >= time.Second {
		s.ccWindowStart = now
		s.ccInWindow = 0
	}
	s.ccInWindow += n
	s.health.CCErrorCount += n
	s.mu.Unlock()
}

// CCRate reports continuity errors observed in the current one second bucket.
// A stale bucket reads as zero.
func (s *Source) CCRate(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ccWindowStart.IsZero() || now.Sub(s.ccWindowStart) >= time.Second {
		return 0
	}
	return float64(s.ccInWindow)
}

// ObserveLuma feeds Y-plane statistics for black-frame detection. A frame is
// black when mean < 16 and variance < 10.
func (s *Source) ObserveLuma(mean, variance float64, now time.Time) {
	black := mean < 16 && variance < 10
	s.mu.Lock()
	if black {
		if s.blackSince.IsZero() {
			s.blackSince = now
		}
		s.health.BlackFrameCount++
	} else {
		s.blackSince = time.Time{}
	}
	s.mu.Unlock()
}

// BlackSince reports when continuous black output started, zero if the last
// observed frame was not black.
func (s *Source) BlackSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blackSince
}

// ObservePIDPresence tracks whether the expected elementary-stream PIDs are
// currently seen (MPEG-TS inputs only).
func (s *Source) ObservePIDPresence(present bool, now time.Time) {
	s.mu.Lock()
	if present {
		s.pidMissingSince = time.Time{}
	} else if s.pidMissingSince.IsZero() {
		s.pidMissingSince = now
	}
	s.mu.Unlock()
}

// PIDMissingSince reports when the expected PIDs went absent, zero if present.
func (s *Source) PIDMissingSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidMissingSince
}

// RollLossWindow advances the packet-loss window if it has exceeded width and
// returns the loss percentage of the window that just closed (or the live one).
func (s *Source) RollLossWindow(now time.Time, width time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.WindowStart.IsZero() {
		return 0
	}
	expected := s.health.PacketsInWindow + s.health.LostInWindow
	pct := 0.0
	if expected > 0 {
		pct = float64(s.health.LostInWindow) / float64(expected) * 100
	}
	s.health.CurrentLossPercent = pct
	if now.Sub(s.health.WindowStart) >= width {
		s.health.WindowStart = now
		s.health.PacketsInWindow = 0
		s.health.LostInWindow = 0
	}
	return pct
}

// Healthy reports the current verdict.
func (s *Source) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.Healthy
}

// LastPacket returns the most recent arrival stamp.
func (s *Source) LastPacket() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.LastPacketTime
}

// LastRecovery returns when the source last transitioned back to healthy.
func (s *Source) LastRecovery() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.LastRecoveryTime
}

// SetVerdict stores a monitor verdict and stamps the recovery time on an
// unhealthy to healthy transition. Returns true when that transition occurred.
func (s *Source) SetVerdict(healthy bool, reason string, now time.Time) (recovered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered = healthy && !s.health.Healthy
	if recovered {
		s.health.LastRecoveryTime = now
	}
	if !healthy && s.health.Healthy && strings.HasPrefix(reason, "stream loss") {
		s.health.StreamLossCount++
	}
	if !healthy && s.health.Healthy && strings.HasPrefix(reason, "pid loss") {
		s.health.PIDLossCount++
	}
	s.health.Healthy = healthy
	s.health.Reason = reason
	s.health.LastHealthCheck = now
	return recovered
}

// Snapshot copies the health block for display.
func (s *Source) Snapshot() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// SourceTable is the fixed-shape descriptor table. Count, IDs and URLs are
// immutable after ParseSources; only the per-source health blocks vary.
type SourceTable struct {
	sources []*Source
	byID    map[string]int
}

// ParseSources builds a table from a specification of the shape
// "id1=url1;id2=url2". Empty tokens are ignored. The result must be non-empty,
// free of duplicate IDs, and within maxSources entries.
func ParseSources(spec string, maxSources int) (*SourceTable, error) {
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}
	t := &SourceTable{byID: make(map[string]int)}
	for _, tok := range strings.Split(spec, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, url, ok := strings.Cut(tok, "=")
		id = strings.TrimSpace(id)
		url = strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrConfigInvalid, tok)
		}
		if len(id) > MaxSourceIDLen {
			return nil, fmt.Errorf("%w: id %q exceeds %d chars", ErrConfigInvalid, id, MaxSourceIDLen)
		}
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrConfigInvalid, id)
		}
		if len(t.sources) == maxSources {
			return nil, fmt.Errorf("%w: more than %d sources", ErrConfigInvalid, maxSources)
		}
		t.byID[id] = len(t.sources)
		t.sources = append(t.sources, newSource(id, url))
	}
	if len(t.sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrConfigInvalid)
	}
	return t, nil
}

// Len returns the number of configured sources.
func (t *SourceTable) Len() int { return len(t.sources) }

// At returns the descriptor at index i. Panics on out-of-range, matching the
// invariant that indices originate from Resolve or the selection state.
func (t *SourceTable) At(i int) *Source { return t.sources[i] }

// Resolve maps a command target to a table index. Accepts the canonical ID
// string or a single-digit numeric index.
func (t *SourceTable) Resolve(target string) (int, bool) {
	if i, ok := t.byID[target]; ok {
		return i, true
	}
	if len(target) == 1 && target[0] >= '0' && target[0] <= '9' {
		i := int(target[0] - '0')
		if i < len(t.sources) {
			return i, true
		}
	}
	return 0, false
}

// String serializes the table back to the canonical "id=url;..." form,
// preserving insertion order.
func (t *SourceTable) String() string {
	var b strings.Builder
	for i, s := range t.sources {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(s.ID)
		b.WriteByte('=')
		b.WriteString(s.URL)
	}
	return b.String()
}
