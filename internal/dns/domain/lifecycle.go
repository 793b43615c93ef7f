// Package domain holds the connection and server lifecycle vocabulary shared
// by the transport, the control channel, and the shutdown coordinator.
package domain

import "fmt"

// ConnState is the lifecycle state of a stream connection.
type ConnState uint8

const (
	ConnAccepted ConnState = iota
	ConnAwaitingFirstMessage
	ConnActive
	ConnTransferring
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAccepted:
		return "accepted"
	case ConnAwaitingFirstMessage:
		return "awaiting-first-message"
	case ConnActive:
		return "active"
	case ConnTransferring:
		return "transferring"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("conn-state(%d)", uint8(s))
	}
}

// ServerState is the process-wide lifecycle state.
type ServerState uint8

const (
	ServerRunning ServerState = iota
	ServerDraining
	ServerTerminated
)

func (s ServerState) String() string {
	switch s {
	case ServerRunning:
		return "running"
	case ServerDraining:
		return "draining"
	case ServerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("server-state(%d)", uint8(s))
	}
}

// CloseMode distinguishes an ordered stream shutdown from a hard reset.
type CloseMode uint8

const (
	// CloseGraceful sends FIN; the peer reads end-of-stream with no data lost.
	CloseGraceful CloseMode = iota
	// CloseAbort sends RST; the peer observes a connection reset.
	CloseAbort
)

func (m CloseMode) String() string {
	if m == CloseAbort {
		return "abort"
	}
	return "graceful"
}

// Group partitions shutdown participants. The data plane drains first; the
// control plane keeps answering until the data plane is empty.
type Group uint8

const (
	GroupData Group = iota
	GroupControl
)

func (g Group) String() string {
	if g == GroupControl {
		return "control"
	}
	return "data"
}
