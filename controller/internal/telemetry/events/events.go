package events

// Bounded, non-blocking event bus. Publishers never wait: a subscriber whose
// buffer is full loses the event and the drop is counted. The switch,
// failover and health paths publish here; the facade bridges events to any
// registered observers.

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/mswitch/controller/internal/telemetry/metrics"
)

// Event categories.
const (
	CategorySwitch   = "switch"
	CategoryFailover = "failover"
	CategoryHealth   = "health"
	CategoryProxy    = "proxy"
	CategoryControl  = "control"
)

// Event is the structured envelope published by controller subsystems.
type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"` // info|warn|error
	Source   string                 `json:"source,omitempty"`   // source id when applicable
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Subscription is a consumer handle.
type Subscription interface {
	C() <-chan Event
	Close() error
}

// Stats are runtime counters for observability.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Bus is the event bus contract.
type Bus interface {
	Publish(ev Event) error
	Subscribe(buffer int) Subscription
	Stats() Stats
}

// NewBus creates a bus. provider may be nil (no instrument wiring).
func NewBus(provider metrics.Provider) Bus {
	b := &bus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "mswitch", Subsystem: "events", Name: "published_total", Help: "Total events published"}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "mswitch", Subsystem: "events", Name: "dropped_total", Help: "Total events dropped due to backpressure"}})
	}
	return b
}

type bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

type subscriber struct {
	id  int64
	ch  chan Event
	bus *bus

	closeOnce sync.Once
}

func (s *subscriber) C() <-chan Event { return s.ch }

func (s *subscriber) Close() error {
	// The write lock excludes in-flight publishes, which deliver under the
	// read lock; closing here can therefore never race a send.
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *bus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	// Deliver under the read lock; sends never block (select default), so the
	// critical section stays short.
	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1)
			}
		}
	}
	b.mu.RUnlock()
	return nil
}

func (b *bus) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, buffer), bus: b}
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
