package tracing

// Switch-operation correlation. Not a general tracing system: the actuator
// opens one operation per executed command, and every log line emitted under
// that context carries the operation ID, so one switch can be followed from
// dequeue through filter push in the log stream. IDs are sequence numbers
// tagged with the target, which also gives the operator a running count of
// executed commands, rejected and no-op ones included. Sampling keeps steady-state logs quiet; the percentage
// is read per operation so policy swaps apply immediately.

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// Operation identifies one in-flight switch command.
type Operation struct {
	ID     string
	Target string
	Start  time.Time
}

// Tracer hands out switch-operation IDs.
type Tracer struct {
	seq      atomic.Uint64
	sampleFn func() float64
}

// New builds a tracer stamping sampleFn percent of operations. A nil
// sampleFn disables stamping; the sequence still advances so operation
// counts stay meaningful.
func New(sampleFn func() float64) *Tracer {
	return &Tracer{sampleFn: sampleFn}
}

type opKey struct{}

// Begin opens an operation for a switch command aimed at target. When the
// sampling policy rules the operation out, the returned context is the input
// unchanged and lines logged under it stay unstamped; the Operation is
// returned either way for timing.
func (t *Tracer) Begin(ctx context.Context, target string) (context.Context, Operation) {
	op := Operation{
		ID:     fmt.Sprintf("sw-%d-%s", t.seq.Add(1), target),
		Target: target,
		Start:  time.Now(),
	}
	if !t.sampled() {
		return ctx, op
	}
	return context.WithValue(ctx, opKey{}, op), op
}

func (t *Tracer) sampled() bool {
	if t == nil || t.sampleFn == nil {
		return false
	}
	pct := t.sampleFn()
	if pct >= 100 {
		return true
	}
	return pct > 0 && rand.Float64()*100 < pct
}

// FromContext returns the operation stamped on ctx.
func FromContext(ctx context.Context) (Operation, bool) {
	if ctx == nil {
		return Operation{}, false
	}
	op, ok := ctx.Value(opKey{}).(Operation)
	return op, ok
}

// OperationID returns the switch-operation ID for log enrichment, empty when
// the operation was not sampled.
func OperationID(ctx context.Context) string {
	op, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return op.ID
}
