package actuator

import (
	"strconv"
	"sync"
)

// FilterGraph is the downstream stream-selecting filter's runtime-command
// surface. Implementations send "map=<index>" style commands; the adapter
// never assumes one is attached.
type FilterGraph interface {
	SendCommand(target, cmd, arg string) error
}

// FilterAdapter pushes selection changes to the filter graph. When no graph
// is attached the selection stays purely logical and Apply succeeds without
// action. Idempotent for equal targets.
type FilterAdapter struct {
	mu          sync.Mutex
	graph       FilterGraph
	lastApplied int
}

// NewFilterAdapter returns an adapter with nothing attached.
func NewFilterAdapter() *FilterAdapter {
	return &FilterAdapter{lastApplied: -1}
}

// Attach installs (or replaces) the downstream graph. A nil graph detaches.
func (a *FilterAdapter) Attach(g FilterGraph) {
	a.mu.Lock()
	a.graph = g
	a.lastApplied = -1
	a.mu.Unlock()
}

// Apply pushes the map parameter for index. Non-locking beyond its own state;
// called from inside the selection critical section, so it must not block on
// I/O. Conforming graphs queue the command.
func (a *FilterAdapter) Apply(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graph == nil {
		return nil
	}
	if a.lastApplied == index {
		return nil
	}
	if err := a.graph.SendCommand("streamselect", "map", strconv.Itoa(index)); err != nil {
		return err
	}
	a.lastApplied = index
	return nil
}
