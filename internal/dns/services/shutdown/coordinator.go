// Package shutdown owns the process lifecycle: Running, then Draining, then
// Terminated. A control command and a termination signal reach it through the
// same Shutdown call.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/common/metrics"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
)

// ErrTerminated is returned by Join once the coordinator has terminated.
var ErrTerminated = errors.New("server terminated")

// Participant is anything that must finish before the process may exit.
// Drain asks it to stop taking new work; it reports completion by calling the
// release function returned from Join. Drain may be called more than once and
// after release, and must not block.
type Participant interface {
	Drain()
}

// ParticipantFunc adapts a function to Participant.
type ParticipantFunc func()

func (f ParticipantFunc) Drain() { f() }

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State   domain.ServerState
	Reason  string
	Since   time.Time
	Data    int
	Control int
}

type Coordinator struct {
	clock  clock.Clock
	logger log.Logger

	mu             sync.Mutex
	state          domain.ServerState
	reason         string
	since          time.Time
	controlDrained bool
	nextID         uint64
	members        [2]map[uint64]Participant
	draining       chan struct{}
	done           chan struct{}
}

// New returns a Coordinator in the Running state.
func New(clk clock.Clock, logger log.Logger) *Coordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	metrics.ServerState.Set(float64(domain.ServerRunning))
	return &Coordinator{
		clock:  clk,
		logger: logger,
		state:  domain.ServerRunning,
		since:  clk.Now(),
		members: [2]map[uint64]Participant{
			domain.GroupData:    make(map[uint64]Participant),
			domain.GroupControl: make(map[uint64]Participant),
		},
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Join registers p in group. A participant that joins while the coordinator
// is draining its group is drained immediately. The returned release function
// is idempotent.
func (c *Coordinator) Join(p Participant, group domain.Group) (func(), error) {
	c.mu.Lock()
	if c.state == domain.ServerTerminated {
		c.mu.Unlock()
		return nil, ErrTerminated
	}
	id := c.nextID
	c.nextID++
	c.members[group][id] = p
	drainNow := c.state == domain.ServerDraining && (group == domain.GroupData || c.controlDrained)
	c.mu.Unlock()

	if drainNow {
		p.Drain()
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.leave(group, id) })
	}, nil
}

func (c *Coordinator) leave(group domain.Group, id uint64) {
	c.mu.Lock()
	delete(c.members[group], id)
	drain := c.advanceLocked()
	c.mu.Unlock()

	for _, p := range drain {
		p.Drain()
	}
}

// Shutdown moves Running to Draining and asks every data-plane participant to
// drain. Only the first call has any effect; every call returns the state the
// coordinator is in once the transition has been committed.
func (c *Coordinator) Shutdown(reason string) domain.ServerState {
	c.mu.Lock()
	if c.state != domain.ServerRunning {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug(map[string]any{"reason": reason, "state": state.String()}, "shutdown already in progress")
		return state
	}
	c.state = domain.ServerDraining
	c.reason = reason
	c.since = c.clock.Now()
	close(c.draining)
	metrics.ServerState.Set(float64(domain.ServerDraining))

	drain := snapshot(c.members[domain.GroupData])
	dataCount, controlCount := len(c.members[domain.GroupData]), len(c.members[domain.GroupControl])
	drain = append(drain, c.advanceLocked()...)
	state := c.state
	c.mu.Unlock()

	c.logger.Info(map[string]any{
		"reason":  reason,
		"data":    dataCount,
		"control": controlCount,
	}, "shutdown initiated, draining")

	for _, p := range drain {
		p.Drain()
	}
	return state
}

// advanceLocked drains the control plane once the data plane is empty and
// terminates once both are empty. It returns the participants to drain, which
// the caller must do after releasing the lock.
func (c *Coordinator) advanceLocked() []Participant {
	if c.state != domain.ServerDraining || len(c.members[domain.GroupData]) > 0 {
		return nil
	}
	var drain []Participant
	if !c.controlDrained {
		c.controlDrained = true
		drain = snapshot(c.members[domain.GroupControl])
	}
	if len(c.members[domain.GroupControl]) == 0 {
		c.state = domain.ServerTerminated
		c.since = c.clock.Now()
		metrics.ServerState.Set(float64(domain.ServerTerminated))
		close(c.done)
		c.logger.Info(map[string]any{"reason": c.reason}, "all participants drained, terminated")
	}
	return drain
}

func snapshot(m map[uint64]Participant) []Participant {
	out := make([]Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// State returns the current lifecycle state.
func (c *Coordinator) State() domain.ServerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current state and participant counts.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:   c.state,
		Reason:  c.reason,
		Since:   c.since,
		Data:    len(c.members[domain.GroupData]),
		Control: len(c.members[domain.GroupControl]),
	}
}

// Draining is closed when shutdown begins.
func (c *Coordinator) Draining() <-chan struct{} {
	return c.draining
}

// Done is closed when the coordinator reaches Terminated.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until Terminated or until ctx is done. The coordinator never
// gives up on its own; bounding the wait is the caller's decision.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
