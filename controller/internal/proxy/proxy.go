package proxy

// UDP fan-in / fan-out. One receive socket per source, one send socket, and
// the selection pointer sampled once per datagram. Go offers no portable
// single-thread readiness multiplex over *net.UDPConn, so each source socket
// gets its own deadline-bounded read goroutine; ordering within a source is
// still a single reader doing one send per receive, which is what the output
// contract needs. Shutdown is observed at deadline boundaries.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/99souls/mswitch/controller/internal/telemetry/metrics"
	"github.com/99souls/mswitch/controller/models"
	"github.com/99souls/mswitch/controller/telemetry/logging"
)

const (
	// DefaultBasePort is the first input port; source i binds base+i.
	DefaultBasePort = 12350
	// DefaultOutputPort receives the selected flow.
	DefaultOutputPort = 12400
	// DefaultReadTimeout bounds each blocking read so the shutdown flag is
	// polled predictably.
	DefaultReadTimeout = 100 * time.Millisecond

	maxDatagram = 65536
)

// ErrBindFailed wraps socket bind errors. Fatal for the proxy only; the rest
// of the controller keeps running.
var ErrBindFailed = errors.New("proxy bind failed")

// Options configures the proxy.
type Options struct {
	Table       *models.SourceTable
	Active      func() int // selection sample, must be a single atomic load
	BasePort    int
	OutputPort  int
	ReadTimeout time.Duration
	Logger      logging.Logger
	Metrics     metrics.Provider // optional
}

// Proxy owns its sockets: bound in New, closed when Run returns.
type Proxy struct {
	table   *models.SourceTable
	active  func() int
	out     *net.UDPConn
	outAddr *net.UDPAddr
	inputs  []*net.UDPConn
	timeout time.Duration
	log     logging.Logger

	forwarded metrics.Counter
	discarded metrics.Counter
}

// New binds one input socket per source plus the output socket. Any bind
// error closes whatever was opened and returns ErrBindFailed.
func New(opts Options) (*Proxy, error) {
	basePort := opts.BasePort
	if basePort == 0 {
		basePort = DefaultBasePort
	}
	outputPort := opts.OutputPort
	if outputPort == 0 {
		outputPort = DefaultOutputPort
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	p := &Proxy{table: opts.Table, active: opts.Active, timeout: timeout, log: opts.Logger}
	if p.log == nil {
		p.log = logging.New(nil)
	}
	if opts.Metrics != nil {
		p.forwarded = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "proxy", Name: "forwarded_total",
			Help: "Datagrams forwarded to the output", Labels: []string{"source"}}})
		p.discarded = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "mswitch", Subsystem: "proxy", Name: "discarded_total",
			Help: "Datagrams discarded from non-active sources", Labels: []string{"source"}}})
	}

	for i := 0; i < opts.Table.Len(); i++ {
		conn, err := bindUDP(basePort + i)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("%w: source %s port %d: %v", ErrBindFailed, opts.Table.At(i).ID, basePort+i, err)
		}
		p.inputs = append(p.inputs, conn)
	}
	p.outAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: outputPort}
	out, err := net.DialUDP("udp4", nil, p.outAddr)
	if err != nil {
		p.closeAll()
		return nil, fmt.Errorf("%w: output port %d: %v", ErrBindFailed, outputPort, err)
	}
	p.out = out
	return p, nil
}

// bindUDP listens on 127.0.0.1:port with SO_REUSEADDR, matching the behavior
// external emitters expect when restarting against a live controller.
func bindUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return serr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Run forwards until ctx is done, then closes every socket. One goroutine
// per input; within a source packets are never reordered or buffered beyond
// the kernel queue.
func (p *Proxy) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.readLoop(ctx, i)
		}(i)
	}
	wg.Wait()
	p.closeAll()
	p.log.InfoCtx(ctx, "proxy stopped, sockets closed")
}

func (p *Proxy) readLoop(ctx context.Context, i int) {
	src := p.table.At(i)
	conn := p.inputs[i]
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.timeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.WarnCtx(ctx, "proxy read error", "source", src.ID, "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		src.MarkPacket(time.Now())
		if i != p.active() {
			if p.discarded != nil {
				p.discarded.Inc(1, src.ID)
			}
			continue
		}
		sent, err := p.out.Write(buf[:n])
		if err != nil {
			p.log.WarnCtx(ctx, "proxy send error", "source", src.ID, "error", err)
			continue
		}
		if sent < n {
			// never retried in-band; UDP either takes the datagram or not
			p.log.WarnCtx(ctx, "proxy partial send", "source", src.ID, "sent", sent, "size", n)
		}
		if p.forwarded != nil {
			p.forwarded.Inc(1, src.ID)
		}
	}
}

func (p *Proxy) closeAll() {
	for _, c := range p.inputs {
		if c != nil {
			_ = c.Close()
		}
	}
	if p.out != nil {
		_ = p.out.Close()
	}
}
