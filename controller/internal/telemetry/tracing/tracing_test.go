package tracing

import (
	"context"
	"strings"
	"testing"
)

func TestBeginAssignsSequencedIDs(t *testing.T) {
	tr := New(func() float64 { return 100 })
	ctx1, op1 := tr.Begin(context.Background(), "s1")
	_, op2 := tr.Begin(context.Background(), "s2")
	if op1.ID != "sw-1-s1" || op2.ID != "sw-2-s2" {
		t.Fatalf("ids wrong: %q %q", op1.ID, op2.ID)
	}
	if op1.Start.IsZero() {
		t.Fatalf("start stamp missing")
	}
	if got := OperationID(ctx1); got != op1.ID {
		t.Fatalf("context not stamped: %q", got)
	}
}

func TestSamplingZeroLeavesContextUnstamped(t *testing.T) {
	tr := New(func() float64 { return 0 })
	ctx, op := tr.Begin(context.Background(), "s1")
	if op.ID == "" {
		t.Fatalf("operation id must be assigned regardless of sampling")
	}
	if OperationID(ctx) != "" {
		t.Fatalf("unsampled operation must not stamp the context")
	}
	if _, ok := FromContext(ctx); ok {
		t.Fatalf("unsampled context should carry no operation")
	}
}

func TestSequenceAdvancesWhenUnsampled(t *testing.T) {
	tr := New(nil)
	_, op1 := tr.Begin(context.Background(), "s0")
	_, op2 := tr.Begin(context.Background(), "s0")
	if !strings.HasPrefix(op1.ID, "sw-1-") || !strings.HasPrefix(op2.ID, "sw-2-") {
		t.Fatalf("sequence must advance: %q %q", op1.ID, op2.ID)
	}
}

func TestOperationIDEmptyForBareContext(t *testing.T) {
	if OperationID(context.Background()) != "" {
		t.Fatalf("bare context must have no operation id")
	}
}
