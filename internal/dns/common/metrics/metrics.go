package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsAccepted counts stream connections accepted by the listener.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rrtcpd_tcp_connections_accepted_total",
		Help: "Total number of TCP connections accepted",
	})

	// ConnectionsActive tracks connections that have not reached Closed.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rrtcpd_tcp_connections_active",
		Help: "Number of open TCP connections",
	})

	// ConnectionsClosed counts closed connections by close mode and reason.
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rrtcpd_tcp_connections_closed_total",
		Help: "Total number of TCP connections closed",
	}, []string{"mode", "reason"})

	// TimerFires counts connection timers that expired, by kind.
	TimerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rrtcpd_tcp_timer_fires_total",
		Help: "Total number of connection timers that fired",
	}, []string{"timer"})

	// QueriesTotal counts messages admitted on stream connections.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rrtcpd_queries_total",
		Help: "Total number of DNS messages processed over TCP",
	}, []string{"kind"})

	// TransfersActive tracks zone transfers currently streaming.
	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rrtcpd_transfers_active",
		Help: "Number of zone transfers in progress",
	})

	// ControlCommands counts control channel commands by command and result.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rrtcpd_control_commands_total",
		Help: "Total number of control channel commands handled",
	}, []string{"command", "result"})

	// ServerState reports the lifecycle state: 0 running, 1 draining, 2 terminated.
	ServerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rrtcpd_server_state",
		Help: "Server lifecycle state (0 = running, 1 = draining, 2 = terminated)",
	})
)
