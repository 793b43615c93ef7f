package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/common/metrics"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/wire"
	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
	"github.com/haukened/rr-tcpd/internal/dns/services/shutdown"
)

// ErrAlreadyRunning is returned by Start on a transport that is already serving.
var ErrAlreadyRunning = errors.New("transport already running")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Coordinator is the part of the shutdown coordinator the transport needs.
type Coordinator interface {
	Join(p shutdown.Participant, group domain.Group) (func(), error)
}

// Options configures a TCPTransport.
type Options struct {
	Addr        string
	Codec       wire.StreamCodec
	Timeouts    domain.Timeouts
	Linger      time.Duration
	Clock       clock.Clock
	Logger      log.Logger
	Coordinator Coordinator
}

// Stats is a point-in-time view of the transport.
type Stats struct {
	Accepted uint64
	Open     int
}

// TCPTransport implements resolver.ServerTransport for DNS over TCP
// (RFC 1035 §4.2.2, RFC 7766). It accepts stream sockets and runs one
// Connection per socket. The listener is a data-plane participant of the
// shutdown coordinator and stops accepting as soon as draining begins.
type TCPTransport struct {
	addr   string
	codec  wire.StreamCodec
	linger time.Duration
	clock  clock.Clock
	logger log.Logger
	coord  Coordinator

	accepted atomic.Uint64
	nextID   atomic.Uint64

	mu        sync.RWMutex
	timeouts  domain.Timeouts
	listener  *net.TCPListener
	processor resolver.QueryProcessor
	running   bool
	draining  bool
	conns     map[uint64]*Connection
	release   func()
	stopCh    chan struct{}

	acceptDone chan struct{}

	wg sync.WaitGroup
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(opts Options) *TCPTransport {
	if opts.Codec == nil {
		opts.Codec = wire.NewTCPCodec()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	return &TCPTransport{
		addr:     opts.Addr,
		codec:    opts.Codec,
		linger:   opts.Linger,
		clock:    opts.Clock,
		logger:   opts.Logger,
		coord:    opts.Coordinator,
		timeouts: opts.Timeouts,
		conns:    make(map[uint64]*Connection),
		stopCh:   make(chan struct{}),

		acceptDone: make(chan struct{}),
	}
}

// Start binds the listening socket, joins the coordinator, and begins
// accepting connections. Cancelling ctx drains the transport.
func (t *TCPTransport) Start(ctx context.Context, processor resolver.QueryProcessor) error {
	t.mu.Lock()
	if t.running || t.draining {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", t.addr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to resolve TCP address %s: %w", t.addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind TCP socket on %s: %w", t.addr, err)
	}
	t.listener = listener
	t.processor = processor
	t.running = true
	t.mu.Unlock()

	// Join may drain the listener at once if shutdown is already under way.
	release, err := t.coord.Join(shutdown.ParticipantFunc(t.Drain), domain.GroupData)
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.listener = nil
		t.mu.Unlock()
		_ = listener.Close()
		return fmt.Errorf("failed to register TCP transport: %w", err)
	}
	t.release = release

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   listener.Addr().String(),
	}, "DNS transport started")

	t.wg.Add(2)
	go t.acceptLoop()
	go func() {
		defer t.wg.Done()
		select {
		case <-ctx.Done():
			t.Drain()
		case <-t.stopCh:
		}
	}()
	return nil
}

// Drain closes the listening socket. Open connections are left to finish on
// their own; each is drained by the coordinator directly.
func (t *TCPTransport) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.draining {
		return
	}
	t.draining = true
	close(t.stopCh)
	if err := t.listener.Close(); err != nil {
		t.logger.Warn(map[string]any{"error": err}, "Error closing TCP listener")
	}
	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   t.addr,
		"open":      len(t.conns),
	}, "DNS transport stopped accepting")
}

// Stop drains the listener, resets every open connection, and waits for all
// connection goroutines to exit.
func (t *TCPTransport) Stop() error {
	t.Drain()

	t.mu.RLock()
	started := t.running
	t.mu.RUnlock()
	if started {
		<-t.acceptDone
	}

	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.Abort("transport stopped")
	}
	t.wg.Wait()

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return nil
}

// Address returns the bound address once started, or the configured one.
func (t *TCPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Timeouts returns the timeouts applied to newly accepted connections.
func (t *TCPTransport) Timeouts() domain.Timeouts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeouts
}

// SetTimeouts replaces the timeouts for connections accepted from now on.
func (t *TCPTransport) SetTimeouts(timeouts domain.Timeouts) error {
	if err := timeouts.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeouts = timeouts
	return nil
}

// Stats reports accepted and currently open connections.
func (t *TCPTransport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{Accepted: t.accepted.Load(), Open: len(t.conns)}
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	defer close(t.acceptDone)
	defer t.release()

	var backoff time.Duration
	for {
		tc, err := t.listener.AcceptTCP()
		if err != nil {
			if t.isDraining() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			t.logger.Warn(map[string]any{"error": err, "backoff": backoff.String()}, "Failed to accept TCP connection")
			select {
			case <-time.After(backoff):
			case <-t.stopCh:
				return
			}
			continue
		}
		backoff = 0
		t.serve(tc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}

func (t *TCPTransport) serve(tc *net.TCPConn) {
	t.mu.RLock()
	opts := connOptions{
		codec:     t.codec,
		processor: t.processor,
		timeouts:  t.timeouts,
		linger:    t.linger,
		clock:     t.clock,
		logger:    t.logger,
	}
	t.mu.RUnlock()

	id := t.nextID.Add(1)
	conn := newConnection(id, tc, opts)

	release, err := t.coord.Join(conn, domain.GroupData)
	if err != nil {
		conn.cancel()
		_ = tc.SetLinger(0)
		_ = tc.Close()
		return
	}
	conn.release = func() {
		t.forget(id)
		release()
	}

	t.accepted.Add(1)
	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()

	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		conn.Serve()
	}()
}

func (t *TCPTransport) forget(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *TCPTransport) isDraining() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}

// connection returns the open connection with id, for tests.
func (t *TCPTransport) connection(id uint64) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

var _ resolver.ServerTransport = (*TCPTransport)(nil)
