package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects the temporal granularity of a switch.
type Mode string

const (
	ModeSeamless Mode = "seamless" // packet boundary, bit-compatible streams
	ModeGraceful Mode = "graceful" // downstream holds until next keyframe
	ModeCutover  Mode = "cutover"  // immediate, gap masked downstream
)

// OnCut selects what the downstream graph emits during a cutover gap.
type OnCut string

const (
	OnCutFreeze OnCut = "freeze"
	OnCutBlack  OnCut = "black"
)

// IngestMode declares whether all sources are continuously ingested or only
// the active one.
type IngestMode string

const (
	IngestHot     IngestMode = "hot"
	IngestStandby IngestMode = "standby"
)

// Selection is the active-source pointer with its transition machinery.
// Reads are single atomic loads so the proxy hot path never contends with a
// switch in progress; transitions serialize on the internal mutex.
type Selection struct {
	mu   sync.Mutex
	cond *sync.Cond

	active     atomic.Int32
	switching  atomic.Bool
	lastSwitch atomic.Int64 // unix microseconds, 0 until first switch
}

// NewSelection returns a Selection pointing at index 0.
func NewSelection() *Selection {
	s := &Selection{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Active returns the current active index. Safe from any goroutine; a single
// atomic load, never blocks.
func (s *Selection) Active() int { return int(s.active.Load()) }

// Switching reports whether a transition is in progress.
func (s *Selection) Switching() bool { return s.switching.Load() }

// LastSwitchMicros returns the completion stamp of the latest switch in unix
// microseconds, zero if none has occurred.
func (s *Selection) LastSwitchMicros() int64 { return s.lastSwitch.Load() }

// Swap performs one atomic transition to target. apply runs inside the
// critical section (bounded, no I/O beyond the filter command) before the
// pointer moves; its error is returned but the new state is kept either way.
// Observers never see an intermediate index.
func (s *Selection) Swap(target int, now time.Time, apply func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switching.Store(true)
	var err error
	if apply != nil {
		err = apply()
	}
	s.active.Store(int32(target))
	s.lastSwitch.Store(now.UnixMicro())
	s.switching.Store(false)
	s.cond.Broadcast()
	return err
}

// AwaitStable blocks until no switch is in progress. Used by shutdown to
// avoid tearing down under a half-applied transition.
func (s *Selection) AwaitStable() {
	s.mu.Lock()
	for s.switching.Load() {
		s.cond.Wait()
	}
	s.mu.Unlock()
}
