package control

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
)

var (
	// ErrUnknownCommand is returned for commands outside the vocabulary.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrRestricted is returned when a read-only listener receives a command
	// that changes server state.
	ErrRestricted = errors.New("command not permitted on a read-only channel")

	// ErrInvalidArgs is returned when a command's arguments cannot be used.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Command names.
const (
	CmdStop        = "stop"
	CmdHalt        = "halt"
	CmdStatus      = "status"
	CmdNull        = "null"
	CmdTCPTimeouts = "tcp-timeouts"
)

// Lifecycle is the shutdown entry point shared with the signal handler.
type Lifecycle interface {
	Shutdown(reason string) domain.ServerState
}

// StatusReporter renders the status command's text.
type StatusReporter interface {
	Status() string
}

// TimeoutStore holds the timer settings applied to new DNS connections.
type TimeoutStore interface {
	Timeouts() domain.Timeouts
	SetTimeouts(domain.Timeouts) error
}

type handler struct {
	// readOnly reports whether the invocation leaves server state untouched.
	readOnly func(args []string) bool
	run      func(d *Dispatcher, args []string) (string, error)
}

func always([]string) bool { return true }
func never([]string) bool { return false }

var handlers = map[string]handler{
	CmdStop:   {readOnly: never, run: (*Dispatcher).stop},
	CmdHalt:   {readOnly: never, run: (*Dispatcher).stop},
	CmdStatus: {readOnly: always, run: (*Dispatcher).status},
	CmdNull:   {readOnly: always, run: (*Dispatcher).null},
	CmdTCPTimeouts: {
		readOnly: func(args []string) bool { return len(args) == 0 },
		run:      (*Dispatcher).tcpTimeouts,
	},
}

// Commands lists the supported command names.
func Commands() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher executes authenticated control commands.
type Dispatcher struct {
	lifecycle Lifecycle
	reporter  StatusReporter
	timeouts  TimeoutStore
	logger    log.Logger
}

func NewDispatcher(lc Lifecycle, status StatusReporter, timeouts TimeoutStore, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Dispatcher{lifecycle: lc, reporter: status, timeouts: timeouts, logger: logger}
}

// Dispatch runs command with args and returns the reply text.
func (d *Dispatcher) Dispatch(command string, args []string, readOnly bool) (string, error) {
	h, ok := handlers[strings.ToLower(command)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	if readOnly && !h.readOnly(args) {
		return "", fmt.Errorf("%w: %s", ErrRestricted, command)
	}
	return h.run(d, args)
}

func (d *Dispatcher) stop(args []string) (string, error) {
	reason := "control: stop"
	if len(args) > 0 {
		reason = "control: " + strings.Join(args, " ")
	}
	state := d.lifecycle.Shutdown(reason)
	if state == domain.ServerDraining {
		return "server is shutting down", nil
	}
	return fmt.Sprintf("server is already %s", state), nil
}

func (d *Dispatcher) status([]string) (string, error) {
	if d.reporter == nil {
		return "", errors.New("status is not available")
	}
	return d.reporter.Status(), nil
}

func (d *Dispatcher) null([]string) (string, error) {
	return "", nil
}

// Timeout bounds in tenths of a second.
const (
	minInitialTenths = 25
	maxInitialTenths = 1200
	minIdleTenths    = 1
	maxIdleTenths    = 1200
	maxTenths        = 65535
)

// tcpTimeouts prints the current settings, or with four arguments
// (initial idle keepalive advertised, in tenths of seconds) replaces them for
// connections accepted afterwards.
func (d *Dispatcher) tcpTimeouts(args []string) (string, error) {
	if d.timeouts == nil {
		return "", errors.New("tcp timeouts are not available")
	}
	switch len(args) {
	case 0:
	case 4:
		t := d.timeouts.Timeouts()
		var err error
		if t.Initial, err = parseTenths("initial", args[0], minInitialTenths, maxInitialTenths); err != nil {
			return "", err
		}
		if t.Idle, err = parseTenths("idle", args[1], minIdleTenths, maxIdleTenths); err != nil {
			return "", err
		}
		if t.Keepalive, err = parseTenths("keepalive", args[2], minIdleTenths, maxTenths); err != nil {
			return "", err
		}
		if t.Advertised, err = parseTenths("advertised", args[3], 0, maxTenths); err != nil {
			return "", err
		}
		if err := d.timeouts.SetTimeouts(t); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		d.logger.Info(map[string]any{
			"initial":    t.Initial.String(),
			"idle":       t.Idle.String(),
			"keepalive":  t.Keepalive.String(),
			"advertised": t.Advertised.String(),
		}, "tcp timeouts updated")
	default:
		return "", fmt.Errorf("%w: expected 0 or 4 values, got %d", ErrInvalidArgs, len(args))
	}

	t := d.timeouts.Timeouts()
	return fmt.Sprintf("tcp-initial-timeout=%d\ntcp-idle-timeout=%d\ntcp-keepalive-timeout=%d\ntcp-advertised-timeout=%d",
		domain.Tenths(t.Initial), domain.Tenths(t.Idle), domain.Tenths(t.Keepalive), domain.Tenths(t.Advertised)), nil
}

func parseTenths(name, s string, lo, hi uint64) (time.Duration, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s timeout %q is not a number", ErrInvalidArgs, name, s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s timeout %d out of range %d-%d", ErrInvalidArgs, name, v, lo, hi)
	}
	return time.Duration(v) * domain.Tenth, nil
}
