// Package status renders the server status text returned by the control
// channel's status command.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/transport"
	"github.com/haukened/rr-tcpd/internal/dns/services/shutdown"
)

// Lifecycle reports the coordinator's state.
type Lifecycle interface {
	Snapshot() shutdown.Snapshot
}

// Connections reports listener statistics and the active timer settings.
type Connections interface {
	Stats() transport.Stats
	Timeouts() domain.Timeouts
}

// Zones lists the zones being served.
type Zones interface {
	Zones() []string
}

// Reporter assembles a status report from the running components.
type Reporter struct {
	Version   string
	Lifecycle Lifecycle
	Conns     Connections
	Zones     Zones
	Clock     clock.Clock

	started time.Time
}

// NewReporter returns a Reporter whose boot time is now.
func NewReporter(version string, lc Lifecycle, conns Connections, zones Zones, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reporter{
		Version:   version,
		Lifecycle: lc,
		Conns:     conns,
		Zones:     zones,
		Clock:     clk,
		started:   clk.Now(),
	}
}

// Status returns the report as newline separated "key: value" lines. It only
// reads state, so it is safe to call at any point until Terminated.
func (r *Reporter) Status() string {
	snap := r.Lifecycle.Snapshot()
	now := r.Clock.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "version: rr-tcpd %s\n", r.Version)
	fmt.Fprintf(&b, "boot time: %s\n", r.started.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "uptime: %s\n", now.Sub(r.started).Truncate(time.Second))
	if r.Zones != nil {
		fmt.Fprintf(&b, "number of zones: %d\n", len(r.Zones.Zones()))
	}
	if r.Conns != nil {
		stats := r.Conns.Stats()
		t := r.Conns.Timeouts()
		fmt.Fprintf(&b, "tcp connections: %d open, %d accepted\n", stats.Open, stats.Accepted)
		fmt.Fprintf(&b, "tcp timeouts: initial %d, idle %d, keepalive %d, advertised %d\n",
			domain.Tenths(t.Initial), domain.Tenths(t.Idle), domain.Tenths(t.Keepalive), domain.Tenths(t.Advertised))
	}
	fmt.Fprintf(&b, "participants: %d data, %d control\n", snap.Data, snap.Control)

	switch snap.State {
	case domain.ServerRunning:
		b.WriteString("server is up and running")
	case domain.ServerDraining:
		fmt.Fprintf(&b, "server is shutting down (%s, for %s)", snap.Reason, now.Sub(snap.Since).Truncate(time.Millisecond))
	default:
		fmt.Fprintf(&b, "server has terminated (%s)", snap.Reason)
	}
	return b.String()
}
