package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/common/metrics"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/wire"
	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
)

const readChunk = 4096

var errConnClosed = errors.New("connection closed")

type connOptions struct {
	codec     wire.StreamCodec
	processor resolver.QueryProcessor
	timeouts  domain.Timeouts
	linger    time.Duration
	clock     clock.Clock
	logger    log.Logger
}

// Connection owns one accepted stream socket and runs its lifecycle:
// Accepted, AwaitingFirstMessage, Active, then Transferring or Closing, then
// Closed. Every inbound message raises the pending count and every finished
// response lowers it; the idle-class timer runs only while nothing is pending
// and no zone transfer has started.
type Connection struct {
	id        uint64
	conn      *net.TCPConn
	codec     wire.StreamCodec
	processor resolver.QueryProcessor
	timeouts  domain.Timeouts
	linger    time.Duration
	logger    log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu keeps response frames from interleaving on the socket.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        domain.ConnState
	timers       *TimerManager
	pending      int
	transfers    int
	transferMode bool
	closeReq     string
	closeMode    domain.CloseMode
	closeReason  string

	handlers sync.WaitGroup
	release  func()
	done     chan struct{}
}

func newConnection(id uint64, tc *net.TCPConn, opts connOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		conn:      tc,
		codec:     opts.codec,
		processor: opts.processor,
		timeouts:  opts.timeouts,
		linger:    opts.linger,
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.ConnAccepted,
		release:   func() {},
		done:      make(chan struct{}),
	}
	c.logger = opts.logger.With(map[string]any{
		"conn_id": id,
		"client":  tc.RemoteAddr().String(),
	})
	c.timers = NewTimerManager(opts.clock, &c.mu, c.onTimer)
	return c
}

// Serve runs the connection until its socket is closed and every dispatched
// request has finished. It is called once, on its own goroutine.
func (c *Connection) Serve() {
	c.mu.Lock()
	if c.state == domain.ConnAccepted {
		c.state = domain.ConnAwaitingFirstMessage
		_ = c.timers.Arm(domain.TimerInitial, c.timeouts.Initial)
	}
	c.mu.Unlock()

	c.readLoop()
	c.handlers.Wait()
	c.finish()
}

func (c *Connection) readLoop() {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = c.consume(append(buf, chunk[:n]...))
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// consume admits every complete message in buf and returns the unread tail.
func (c *Connection) consume(buf []byte) []byte {
	for {
		req, used, err := c.codec.Decode(buf)
		if errors.Is(err, wire.ErrIncomplete) {
			break
		}
		buf = buf[used:]
		if err != nil {
			metrics.QueriesTotal.WithLabelValues("malformed").Inc()
			c.logger.Info(map[string]any{"error": err}, "malformed message, closing connection")
			c.mu.Lock()
			c.requestCloseLocked("malformed")
			c.mu.Unlock()
			return buf[:0]
		}
		c.admit(req)
	}
	if len(buf) == 0 {
		return buf[:0]
	}
	return append(make([]byte, 0, max(len(buf), readChunk)), buf...)
}

func (c *Connection) admit(req wire.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= domain.ConnClosing || c.closeReq != "" {
		c.logger.Debug(map[string]any{"id": req.Msg.Id, "state": c.state.String()}, "message not admitted")
		return
	}
	if c.state == domain.ConnAwaitingFirstMessage {
		c.timers.Cancel(domain.TimerInitial)
		c.state = domain.ConnActive
	}

	c.pending++
	if req.Keepalive && c.timers.NegotiateKeepalive() {
		c.logger.Debug(nil, "EDNS TCP keepalive negotiated")
	}
	c.timers.Cancel(c.timers.IdleClass())

	kind := "query"
	if req.Transfer {
		kind = "transfer"
	}
	metrics.QueriesTotal.WithLabelValues(kind).Inc()

	c.handlers.Add(1)
	go c.process(req)
}

func (c *Connection) process(req wire.Request) {
	defer c.handlers.Done()
	defer c.complete()

	res, err := c.processor.Process(c.ctx, req.Msg, c.conn.RemoteAddr())
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn(map[string]any{"id": req.Msg.Id, "error": err}, "query processing failed")
		res = resolver.Result{Msg: new(dns.Msg).SetRcode(req.Msg, dns.RcodeServerFailure)}
	}

	if res.Transfer != nil {
		c.streamTransfer(res.Transfer)
		return
	}
	if res.Msg == nil {
		return
	}

	var advertise time.Duration
	if req.Keepalive {
		advertise = c.timeouts.Advertised
	}
	out, err := c.codec.Encode(res.Msg, advertise)
	if err != nil {
		c.logger.Error(map[string]any{"id": req.Msg.Id, "error": err}, "failed to encode response")
		return
	}
	_ = c.write(out)
}

// complete retires one pending request. The last one rearms the idle-class
// timer, or closes the connection if a close was requested meanwhile.
func (c *Connection) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	if c.pending > 0 || c.state >= domain.ConnClosing {
		return
	}
	if c.closeReq != "" {
		c.closeLocked(domain.CloseGraceful, c.closeReq)
		return
	}
	if !c.transferMode {
		kind := c.timers.IdleClass()
		_ = c.timers.Arm(kind, c.timeouts.For(kind))
	}
}

func (c *Connection) startTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := !c.transferMode
	if first {
		c.transferMode = true
		c.timers.Cancel(domain.TimerIdle)
		c.timers.Cancel(domain.TimerKeepalive)
	}
	c.transfers++
	metrics.TransfersActive.Inc()

	// A closing connection has already cancelled its timers for good.
	if c.state >= domain.ConnClosing {
		return
	}
	c.state = domain.ConnTransferring
	if first {
		_ = c.timers.Arm(domain.TimerTransferTimeOut, c.timeouts.TransferTimeOut)
	}
	_ = c.timers.Arm(domain.TimerTransferIdleOut, c.timeouts.TransferIdleOut)
}

func (c *Connection) endTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transfers--
	if c.transfers == 0 {
		// TransferTimeOut stays armed as the bound on the connection's life.
		c.timers.Cancel(domain.TimerTransferIdleOut)
	}
	metrics.TransfersActive.Dec()
}

func (c *Connection) streamTransfer(stream resolver.TransferStream) {
	c.startTransfer()
	defer c.endTransfer()

	sent := 0
	for {
		msg, err := stream.Next(c.ctx)
		if errors.Is(err, io.EOF) {
			c.logger.Info(map[string]any{"messages": sent}, "zone transfer complete")
			return
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn(map[string]any{"error": err, "messages": sent}, "zone transfer aborted")
			}
			return
		}
		out, err := c.codec.Encode(msg, 0)
		if err != nil {
			c.logger.Error(map[string]any{"error": err, "messages": sent}, "failed to encode transfer message")
			return
		}
		if err := c.write(out); err != nil {
			return
		}
		sent++

		c.mu.Lock()
		c.timers.Reset(domain.TimerTransferIdleOut)
		c.mu.Unlock()
	}
}

// write sends one frame. A write that cannot finish within the connection's
// current idle budget aborts the connection.
func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state >= domain.ConnClosing {
		c.mu.Unlock()
		return errConnClosed
	}
	budget := c.writeBudgetLocked()
	c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(budget))
	_, err := c.conn.Write(frame)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < domain.ConnClosing {
		reason := "write error"
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reason = "write timeout"
		}
		c.logger.Info(map[string]any{"error": err}, "response write failed")
		c.closeLocked(domain.CloseAbort, reason)
	}
	return err
}

func (c *Connection) writeBudgetLocked() time.Duration {
	if c.transferMode {
		return c.timeouts.TransferIdleOut
	}
	return c.timeouts.For(c.timers.IdleClass())
}

func (c *Connection) readFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= domain.ConnClosing {
		return
	}
	if errors.Is(err, io.EOF) {
		c.logger.Debug(map[string]any{"pending": c.pending}, "peer closed its side")
		c.requestCloseLocked("peer closed")
		return
	}
	c.logger.Info(map[string]any{"error": err}, "socket read failed")
	c.closeLocked(domain.CloseAbort, "socket error")
}

// requestCloseLocked stops admitting messages and closes gracefully once
// nothing is pending.
func (c *Connection) requestCloseLocked(reason string) {
	if c.closeReq == "" {
		c.closeReq = reason
	}
	if c.pending == 0 {
		c.closeLocked(domain.CloseGraceful, c.closeReq)
	}
}

func (c *Connection) onTimer(kind domain.TimerKind) {
	metrics.TimerFires.WithLabelValues(kind.String()).Inc()
	c.logger.Debug(map[string]any{
		"timer":   kind.String(),
		"state":   c.state.String(),
		"pending": c.pending,
	}, "connection timer fired")
	c.closeLocked(kind.CloseMode(), kind.String())
}

// closeLocked ends the connection. A graceful close half-closes the socket
// and lets the reader drain until the peer closes or the linger period ends;
// an abort discards unsent data and resets the connection.
func (c *Connection) closeLocked(mode domain.CloseMode, reason string) {
	if c.state >= domain.ConnClosing {
		return
	}
	c.state = domain.ConnClosing
	c.closeMode = mode
	c.closeReason = reason
	c.timers.CancelAll()
	c.cancel()

	switch mode {
	case domain.CloseAbort:
		_ = c.conn.SetLinger(0)
		_ = c.conn.Close()
	default:
		_ = c.conn.CloseWrite()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.linger))
	}
}

func (c *Connection) finish() {
	c.mu.Lock()
	if c.state < domain.ConnClosing {
		c.closeLocked(domain.CloseGraceful, "closed")
	}
	c.state = domain.ConnClosed
	mode, reason := c.closeMode, c.closeReason
	c.mu.Unlock()

	_ = c.conn.Close()
	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosed.WithLabelValues(mode.String(), reason).Inc()
	c.logger.Debug(map[string]any{"mode": mode.String(), "reason": reason}, "connection closed")

	close(c.done)
	c.release()
}

// Drain stops admitting new messages. An idle connection closes at once; a
// busy one closes gracefully when its last pending response is written.
func (c *Connection) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= domain.ConnClosing {
		return
	}
	c.requestCloseLocked("shutdown")
}

// Abort resets the connection regardless of pending work. A connection
// still lingering after a graceful close is reset too.
func (c *Connection) Abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.ConnClosing && c.closeMode == domain.CloseGraceful {
		c.closeMode = domain.CloseAbort
		c.closeReason = reason
		_ = c.conn.SetLinger(0)
		_ = c.conn.Close()
		return
	}
	c.closeLocked(domain.CloseAbort, reason)
}

// Done is closed once the socket is closed and every request has finished.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// ArmedTimers lists the connection's armed timers in kind order.
func (c *Connection) ArmedTimers() []domain.TimerKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.ArmedKinds()
}

// CloseResult reports how the connection ended, once it has.
func (c *Connection) CloseResult() (domain.CloseMode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeMode, c.closeReason
}
