package transport

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
)

// ErrKeepaliveNegotiated is returned when arming the idle timer on a
// connection that has switched to the keepalive timer.
var ErrKeepaliveNegotiated = errors.New("keepalive negotiated, idle timer unavailable")

type armedTimer struct {
	seq      uint64
	duration time.Duration
	deadline time.Time
	timer    clock.Timer
}

// TimerManager holds the named timers of one connection. All methods must be
// called with the owning connection's lock held. Fire callbacks take that
// lock themselves and are discarded when the timer was canceled or re-armed
// after it was scheduled, so a stale deadline never acts.
type TimerManager struct {
	clock     clock.Clock
	lock      sync.Locker
	onFire    func(kind domain.TimerKind)
	timers    map[domain.TimerKind]*armedTimer
	seq       uint64
	keepalive bool
}

// NewTimerManager returns a TimerManager whose callbacks run onFire while
// holding lock.
func NewTimerManager(clk clock.Clock, lock sync.Locker, onFire func(kind domain.TimerKind)) *TimerManager {
	return &TimerManager{
		clock:  clk,
		lock:   lock,
		onFire: onFire,
		timers: make(map[domain.TimerKind]*armedTimer),
	}
}

// Arm starts kind with duration d, replacing any earlier deadline. Arming
// Keepalive cancels Idle.
func (m *TimerManager) Arm(kind domain.TimerKind, d time.Duration) error {
	switch kind {
	case domain.TimerIdle:
		if m.keepalive {
			return ErrKeepaliveNegotiated
		}
	case domain.TimerKeepalive:
		m.Cancel(domain.TimerIdle)
	}
	m.Cancel(kind)

	m.seq++
	seq := m.seq
	m.timers[kind] = &armedTimer{
		seq:      seq,
		duration: d,
		deadline: m.clock.Now().Add(d),
		timer:    m.clock.AfterFunc(d, func() { m.fire(kind, seq) }),
	}
	return nil
}

// Reset restarts an armed timer from zero with its current duration. It
// reports whether kind was armed.
func (m *TimerManager) Reset(kind domain.TimerKind) bool {
	at, ok := m.timers[kind]
	if !ok {
		return false
	}
	return m.Arm(kind, at.duration) == nil
}

// Cancel disarms kind. It reports whether kind was armed.
func (m *TimerManager) Cancel(kind domain.TimerKind) bool {
	at, ok := m.timers[kind]
	if !ok {
		return false
	}
	at.timer.Stop()
	delete(m.timers, kind)
	return true
}

// CancelAll disarms every timer.
func (m *TimerManager) CancelAll() {
	for kind := range m.timers {
		m.Cancel(kind)
	}
}

// Armed reports whether kind is armed.
func (m *TimerManager) Armed(kind domain.TimerKind) bool {
	_, ok := m.timers[kind]
	return ok
}

// Deadline returns when kind fires, if armed.
func (m *TimerManager) Deadline(kind domain.TimerKind) (time.Time, bool) {
	at, ok := m.timers[kind]
	if !ok {
		return time.Time{}, false
	}
	return at.deadline, true
}

// ArmedKinds lists the armed timers in kind order.
func (m *TimerManager) ArmedKinds() []domain.TimerKind {
	kinds := make([]domain.TimerKind, 0, len(m.timers))
	for kind := range m.timers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NegotiateKeepalive permanently replaces Idle with Keepalive. An armed Idle
// timer is canceled, not converted. It reports whether this call made the
// switch.
func (m *TimerManager) NegotiateKeepalive() bool {
	if m.keepalive {
		return false
	}
	m.keepalive = true
	m.Cancel(domain.TimerIdle)
	return true
}

// IdleClass returns the idle-class timer currently in effect.
func (m *TimerManager) IdleClass() domain.TimerKind {
	if m.keepalive {
		return domain.TimerKeepalive
	}
	return domain.TimerIdle
}

func (m *TimerManager) fire(kind domain.TimerKind, seq uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	at, ok := m.timers[kind]
	if !ok || at.seq != seq {
		return
	}
	delete(m.timers, kind)
	m.onFire(kind)
}
