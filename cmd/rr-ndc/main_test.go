package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/domain"
	"github.com/haukened/rr-tcpd/internal/dns/gateways/control"
	"github.com/haukened/rr-tcpd/internal/dns/services/shutdown"
)

type fixedStatus struct{}

func (fixedStatus) Status() string { return "server is up and running" }

func startControl(t *testing.T) (string, *shutdown.Coordinator) {
	t.Helper()
	coord := shutdown.New(nil, log.NewNoopLogger())
	srv := control.NewServer(control.ServerOptions{
		Addr:          "127.0.0.1:0",
		Authenticator: control.NewSharedSecret("k"),
		Dispatcher:    control.NewDispatcher(coord, fixedStatus{}, nil, log.NewNoopLogger()),
		Coordinator:   coord,
		Logger:        log.NewNoopLogger(),
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv.Address(), coord
}

func TestRun(t *testing.T) {
	addr, coord := startControl(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		stdout   string
		stderr   string
	}{
		{name: "status", args: []string{"-s", addr, "-k", "k", "status"}, stdout: "server is up and running\n"},
		{name: "null prints nothing", args: []string{"-s", addr, "-k", "k", "null"}},
		{name: "wrong secret", args: []string{"-s", addr, "-k", "nope", "status"}, wantCode: 1, stderr: "unauthorized"},
		{name: "unknown command", args: []string{"-s", addr, "-k", "k", "reload"}, wantCode: 1, stderr: "unknown command"},
		{name: "missing command", args: []string{"-s", addr}, wantCode: 1, stderr: "usage"},
		{name: "bad flag", args: []string{"-x"}, wantCode: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code, stderr.String())
			assert.Equal(t, tt.stdout, stdout.String())
			if tt.stderr != "" {
				assert.Contains(t, stderr.String(), tt.stderr)
			}
		})
	}

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"-s", addr, "-k", "k", "stop"}, &stdout, &stderr))
	assert.Equal(t, "server is shutting down\n", stdout.String())
	assert.NotEqual(t, domain.ServerRunning, coord.State())
}

func TestRun_Unreachable(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-s", "127.0.0.1:1", "-k", "k", "-t", "1s", "status"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "rr-ndc:")
}
