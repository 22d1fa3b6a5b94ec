package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapperEmitsAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := New(base).With("component", "test")
	l.InfoCtx(context.Background(), "hello", "k", "v")
	out := buf.String()
	for _, want := range []string{`"app":"mswitch"`, `"component":"test"`, `"k":"v"`, `"msg":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestNilBaseUsesDefault(t *testing.T) {
	l := New(nil)
	// must not panic
	l.WarnCtx(context.Background(), "warn line")
	l.ErrorCtx(context.Background(), "error line")
}
