package control

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Send connects to a control server at addr, issues one command, and returns
// the reply. The context bounds the whole exchange.
func Send(ctx context.Context, addr, secret, command string, args ...string) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Response{}, fmt.Errorf("failed to connect to control channel %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	codec := NewJSONCodec()
	if err := codec.EncodeRequest(conn, Request{Secret: secret, Command: command, Args: args}); err != nil {
		return Response{}, fmt.Errorf("failed to send %s: %w", command, err)
	}
	resp, err := codec.DecodeResponse(conn)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("no reply to %s: %w", command, ctx.Err())
		}
		return Response{}, fmt.Errorf("failed to read reply to %s: %w", command, err)
	}
	return resp, nil
}
