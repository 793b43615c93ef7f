package domain

import (
	"fmt"
	"time"
)

// TimerKind names one of the per-connection timers.
type TimerKind uint8

const (
	TimerInitial TimerKind = iota
	TimerIdle
	TimerKeepalive
	TimerTransferIdleOut
	TimerTransferTimeOut
)

var timerKindNames = map[TimerKind]string{
	TimerInitial:         "initial",
	TimerIdle:            "idle",
	TimerKeepalive:       "keepalive",
	TimerTransferIdleOut: "transfer-idle-out",
	TimerTransferTimeOut: "transfer-time-out",
}

func (k TimerKind) String() string {
	if s, ok := timerKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("timer(%d)", uint8(k))
}

// IsIdleClass reports whether k belongs to the {Idle, Keepalive} family, of
// which at most one member is armed at a time.
func (k TimerKind) IsIdleClass() bool {
	return k == TimerIdle || k == TimerKeepalive
}

// CloseMode is the outcome a timer fire has on the peer. Only
// TransferIdleOut resets the connection; every other timer ends it cleanly.
func (k TimerKind) CloseMode() CloseMode {
	if k == TimerTransferIdleOut {
		return CloseAbort
	}
	return CloseGraceful
}

// Timeouts holds the durations for every connection timer plus the keepalive
// value advertised to clients that negotiate EDNS TCP keepalive.
type Timeouts struct {
	Initial         time.Duration
	Idle            time.Duration
	Keepalive       time.Duration
	Advertised      time.Duration
	TransferIdleOut time.Duration
	TransferTimeOut time.Duration
}

// DefaultTimeouts returns the stock stream-transport timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initial:         2500 * time.Millisecond,
		Idle:            5 * time.Second,
		Keepalive:       7 * time.Second,
		Advertised:      7 * time.Second,
		TransferIdleOut: 60 * time.Second,
		TransferTimeOut: 300 * time.Second,
	}
}

// For returns the configured duration for kind.
func (t Timeouts) For(kind TimerKind) time.Duration {
	switch kind {
	case TimerInitial:
		return t.Initial
	case TimerIdle:
		return t.Idle
	case TimerKeepalive:
		return t.Keepalive
	case TimerTransferIdleOut:
		return t.TransferIdleOut
	case TimerTransferTimeOut:
		return t.TransferTimeOut
	default:
		return 0
	}
}

// Validate checks that every timer has a positive duration.
func (t Timeouts) Validate() error {
	for kind := TimerInitial; kind <= TimerTransferTimeOut; kind++ {
		if t.For(kind) <= 0 {
			return fmt.Errorf("%s timeout must be positive", kind)
		}
	}
	if t.Advertised < 0 {
		return fmt.Errorf("advertised keepalive must not be negative")
	}
	return nil
}

// Tenth is the unit operators use for TCP timeouts on the control channel.
const Tenth = 100 * time.Millisecond

// Tenths converts d to whole tenths of a second, truncating.
func Tenths(d time.Duration) int64 {
	return int64(d / Tenth)
}
