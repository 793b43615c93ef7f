package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerKind_String(t *testing.T) {
	tests := []struct {
		kind TimerKind
		want string
	}{
		{TimerInitial, "initial"},
		{TimerIdle, "idle"},
		{TimerKeepalive, "keepalive"},
		{TimerTransferIdleOut, "transfer-idle-out"},
		{TimerTransferTimeOut, "transfer-time-out"},
		{TimerKind(42), "timer(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestTimerKind_CloseMode(t *testing.T) {
	tests := []struct {
		kind TimerKind
		want CloseMode
	}{
		{TimerInitial, CloseGraceful},
		{TimerIdle, CloseGraceful},
		{TimerKeepalive, CloseGraceful},
		{TimerTransferIdleOut, CloseAbort},
		{TimerTransferTimeOut, CloseGraceful},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.CloseMode())
		})
	}
}

func TestTimerKind_IsIdleClass(t *testing.T) {
	assert.True(t, TimerIdle.IsIdleClass())
	assert.True(t, TimerKeepalive.IsIdleClass())
	assert.False(t, TimerInitial.IsIdleClass())
	assert.False(t, TimerTransferIdleOut.IsIdleClass())
	assert.False(t, TimerTransferTimeOut.IsIdleClass())
}

func TestDefaultTimeouts(t *testing.T) {
	d := DefaultTimeouts()
	assert.Equal(t, 2500*time.Millisecond, d.For(TimerInitial))
	assert.Equal(t, 5*time.Second, d.For(TimerIdle))
	assert.Equal(t, 7*time.Second, d.For(TimerKeepalive))
	assert.Equal(t, 60*time.Second, d.For(TimerTransferIdleOut))
	assert.Equal(t, 300*time.Second, d.For(TimerTransferTimeOut))
	assert.Equal(t, 7*time.Second, d.Advertised)
	require.NoError(t, d.Validate())
}

func TestTimeouts_Validate(t *testing.T) {
	d := DefaultTimeouts()
	d.Idle = 0
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle timeout must be positive")

	d = DefaultTimeouts()
	d.Advertised = -time.Second
	assert.Error(t, d.Validate())

	assert.Equal(t, time.Duration(0), d.For(TimerKind(99)))
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "awaiting-first-message", ConnAwaitingFirstMessage.String())
	assert.Equal(t, "transferring", ConnTransferring.String())
	assert.Equal(t, "closed", ConnClosed.String())
	assert.Equal(t, "conn-state(9)", ConnState(9).String())

	assert.Equal(t, "running", ServerRunning.String())
	assert.Equal(t, "draining", ServerDraining.String())
	assert.Equal(t, "terminated", ServerTerminated.String())

	assert.Equal(t, "graceful", CloseGraceful.String())
	assert.Equal(t, "abort", CloseAbort.String())

	assert.Equal(t, "data", GroupData.String())
	assert.Equal(t, "control", GroupControl.String())
}

func TestTenths(t *testing.T) {
	assert.Equal(t, int64(25), Tenths(2500*time.Millisecond))
	assert.Equal(t, int64(0), Tenths(50*time.Millisecond))
	assert.Equal(t, int64(3000), Tenths(300*time.Second))
	assert.Equal(t, 7*time.Second, 70*Tenth)
}
