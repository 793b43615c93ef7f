package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/common/metrics"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
	"github.com/haukened/rr-tcpd/internal/dns/services/shutdown"
)

// ErrAlreadyRunning is returned by Start on a server that is already serving.
var ErrAlreadyRunning = errors.New("control server already running")

// DefaultSessionTimeout bounds how long a session may take to send its request.
const DefaultSessionTimeout = 30 * time.Second

// Coordinator is the part of the shutdown coordinator the server needs.
type Coordinator interface {
	Join(p shutdown.Participant, group domain.Group) (func(), error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr           string
	Authenticator  Authenticator
	Dispatcher     *Dispatcher
	Codec          Codec
	ReadOnly       bool
	SessionTimeout time.Duration
	Coordinator    Coordinator
	Logger         log.Logger
}

// Server accepts control sessions. The listener and every session are
// control-plane participants, so status stays answerable while DNS
// connections drain and the process terminates only after each session has
// been answered.
type Server struct {
	addr     string
	auth     Authenticator
	dispatch *Dispatcher
	codec    Codec
	readOnly bool
	timeout  time.Duration
	coord    Coordinator
	logger   log.Logger

	mu         sync.Mutex
	listener   net.Listener
	running    bool
	draining   bool
	sessions   map[*session]struct{}
	release    func()
	stopCh     chan struct{}
	acceptDone chan struct{}

	wg sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	if opts.Codec == nil {
		opts.Codec = NewJSONCodec()
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	return &Server{
		addr:       opts.Addr,
		auth:       opts.Authenticator,
		dispatch:   opts.Dispatcher,
		codec:      opts.Codec,
		readOnly:   opts.ReadOnly,
		timeout:    opts.SessionTimeout,
		coord:      opts.Coordinator,
		logger:     opts.Logger.With(map[string]any{"component": "control"}),
		sessions:   make(map[*session]struct{}),
		stopCh:     make(chan struct{}),
		acceptDone: make(chan struct{}),
	}
}

// Start binds the control listener and begins accepting sessions.
// Cancelling ctx drains the listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.draining {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind control socket on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	release, err := s.coord.Join(shutdown.ParticipantFunc(s.Drain), domain.GroupControl)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.listener = nil
		s.mu.Unlock()
		_ = listener.Close()
		return fmt.Errorf("failed to register control server: %w", err)
	}
	s.release = release

	s.logger.Info(map[string]any{
		"address":   listener.Addr().String(),
		"read_only": s.readOnly,
	}, "control channel listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.Drain()
		case <-s.stopCh:
		}
	}()
	return nil
}

// Drain closes the listener. Sessions in progress are left to answer.
func (s *Server) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.draining {
		return
	}
	s.draining = true
	close(s.stopCh)
	if err := s.listener.Close(); err != nil {
		s.logger.Warn(map[string]any{"error": err}, "Error closing control listener")
	}
	s.logger.Info(map[string]any{"sessions": len(s.sessions)}, "control channel stopped accepting")
}

// Stop drains the listener, closes open sessions, and waits for them to exit.
func (s *Server) Stop() error {
	s.Drain()

	s.mu.Lock()
	started := s.running
	s.mu.Unlock()
	if started {
		<-s.acceptDone
	}

	s.mu.Lock()
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Address returns the bound address once started, or the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer close(s.acceptDone)
	defer s.release()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isDraining() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn(map[string]any{"error": err}, "Failed to accept control session")
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.stopCh:
				return
			}
			continue
		}
		s.serve(conn)
	}
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) serve(conn net.Conn) {
	// The session deadline is set before joining so that an immediate drain
	// is not overwritten by it.
	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))

	sess := &session{conn: conn}
	release, err := s.coord.Join(sess, domain.GroupControl)
	if err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer s.forget(sess)
		defer conn.Close()
		s.handle(conn)
	}()
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// handle reads one request, runs it, and writes the reply.
func (s *Server) handle(conn net.Conn) {
	client := conn.RemoteAddr().String()

	req, err := s.codec.DecodeRequest(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.logger.Debug(map[string]any{"client": client}, "control session ended without a request")
			return
		}
		s.logger.Warn(map[string]any{"client": client, "error": err}, "invalid control request")
		s.reply(conn, "invalid", Response{Result: ResultFailure, Text: err.Error()})
		return
	}

	command := strings.ToLower(req.Command)
	label := command
	if _, ok := handlers[command]; !ok {
		label = "unknown"
	}

	if s.auth == nil {
		err = ErrUnauthorized
	} else {
		err = s.auth.Authenticate(req.Secret)
	}
	if err != nil {
		s.logger.Warn(map[string]any{"client": client, "command": label}, "rejected unauthenticated control request")
		s.reply(conn, label, Response{Result: ResultFailure, Text: err.Error()})
		return
	}

	fields := map[string]any{"client": client, "command": command, "args": req.Args}
	if command == CmdStatus || command == CmdNull {
		s.logger.Debug(fields, "received control channel command")
	} else {
		s.logger.Info(fields, "received control channel command")
	}

	text, err := s.dispatch.Dispatch(command, req.Args, s.readOnly)
	if err != nil {
		if errors.Is(err, ErrRestricted) {
			s.logger.Info(fields, "rejecting restricted control channel command")
		}
		s.reply(conn, label, Response{Result: ResultFailure, Text: err.Error()})
		return
	}
	s.reply(conn, label, Response{Result: ResultSuccess, Text: text})
}

func (s *Server) reply(conn net.Conn, label string, resp Response) {
	metrics.ControlCommands.WithLabelValues(label, resp.Result).Inc()
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.codec.EncodeResponse(conn, resp); err != nil {
		s.logger.Warn(map[string]any{"error": err}, "failed to write control reply")
	}
}

// session is one control connection. Draining interrupts a session still
// waiting for its request; one already executing a command runs to its reply.
type session struct {
	conn net.Conn
}

func (s *session) Drain() {
	_ = s.conn.SetReadDeadline(time.Now())
}
