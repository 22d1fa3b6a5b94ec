package cmdfile

// File-polled control surface. Operators (or scripts without HTTP access)
// write single-character commands to a well-known path; the poller reads,
// enqueues, and truncates. An fsnotify watcher wakes the poller early on
// writes; the ticker remains the fallback for filesystems without events.

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/99souls/mswitch/controller/telemetry/logging"
)

// DefaultPath is the well-known command file location.
const DefaultPath = "/tmp/mswitch_cmd"

// DefaultInterval is the fallback poll cadence.
const DefaultInterval = 500 * time.Millisecond

// Enqueuer accepts switch targets. Satisfied by the controller facade.
type Enqueuer interface {
	EnqueueSwitch(id string) error
}

// Options configures the poller.
type Options struct {
	Path     string
	Interval time.Duration
	Queue    Enqueuer
	Status   func() string // invoked for the 's' command, result is logged
	Logger   logging.Logger
}

// Poller watches the command file until its context ends, then unlinks it.
type Poller struct {
	path     string
	interval time.Duration
	queue    Enqueuer
	status   func() string
	log      logging.Logger
}

// New constructs a Poller.
func New(opts Options) *Poller {
	p := &Poller{
		path:     opts.Path,
		interval: opts.Interval,
		queue:    opts.Queue,
		status:   opts.Status,
		log:      opts.Logger,
	}
	if p.path == "" {
		p.path = DefaultPath
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.log == nil {
		p.log = logging.New(nil)
	}
	return p
}

// Run polls until ctx is done. The command file is removed on exit so stale
// commands never apply to a future run.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer func() { _ = os.Remove(p.path) }()

	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		// Watch the directory: the file may not exist yet, and truncation
		// recreates inode-level events unreliably on some platforms.
		if werr := watcher.Add(filepath.Dir(p.path)); werr == nil {
			wake = watcher.Events
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.consume(ctx)
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Name == p.path && ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				p.consume(ctx)
			}
		}
	}
}

// consume reads the file, interprets each command character, then truncates.
func (p *Poller) consume(ctx context.Context) {
	data, err := os.ReadFile(p.path)
	if err != nil || len(data) == 0 {
		return
	}
	for _, c := range data {
		switch {
		case c >= '0' && c <= '9':
			if err := p.queue.EnqueueSwitch(string(c)); err != nil {
				p.log.WarnCtx(ctx, "command file switch rejected", "target", string(c), "error", err)
			}
		case c == 's':
			if p.status != nil {
				p.log.InfoCtx(ctx, "status", "snapshot", p.status())
			}
		case c == '\n' || c == '\r' || c == ' ':
			// separators ignored
		default:
			p.log.WarnCtx(ctx, "command file: unknown command", "char", string(c))
		}
	}
	if err := os.Truncate(p.path, 0); err != nil && !os.IsNotExist(err) {
		p.log.WarnCtx(ctx, "command file truncate failed", "error", err)
	}
}
