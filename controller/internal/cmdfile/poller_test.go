package cmdfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type captureQueue struct {
	mu  sync.Mutex
	ids []string
}

func (c *captureQueue) EnqueueSwitch(id string) error {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	return nil
}

func (c *captureQueue) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestDigitCommandsEnqueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch_cmd")
	q := &captureQueue{}
	p := New(Options{Path: path, Interval: 20 * time.Millisecond, Queue: q})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(q.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("command never enqueued")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := q.snapshot(); got[0] != "1" {
		t.Fatalf("expected 1 got %v", got)
	}
	// file is truncated once consumed
	deadline = time.Now().Add(time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && len(data) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("file never truncated: %q %v", data, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusCommandLogsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch_cmd")
	q := &captureQueue{}
	var called bool
	var mu sync.Mutex
	p := New(Options{
		Path:     path,
		Interval: 20 * time.Millisecond,
		Queue:    q,
		Status: func() string {
			mu.Lock()
			called = true
			mu.Unlock()
			return "{}"
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	if err := os.WriteFile(path, []byte("s\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		c := called
		mu.Unlock()
		if c {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(q.snapshot()) != 0 {
		t.Fatalf("'s' must not enqueue a switch")
	}
}

func TestCommandFileUnlinkedOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mswitch_cmd")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := New(Options{Path: path, Interval: 20 * time.Millisecond, Queue: &captureQueue{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	cancel()
	<-done
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("command file should be removed on shutdown: %v", err)
	}
}
