// Package control implements the administrative channel: a separate TCP
// listener that accepts one authenticated command per session and replies
// with a single result.
//
// Requests and replies are newline-terminated JSON objects:
//
//	{"secret": "...", "command": "status", "args": []}
//	{"result": "success", "text": "server is up and running"}
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Result values carried in a Response.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// DefaultMaxMessage bounds a single encoded request or reply.
const DefaultMaxMessage = 64 * 1024

var (
	// ErrMalformedMessage is returned when a message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrMessageTooLarge is returned when a message exceeds the codec limit.
	ErrMessageTooLarge = errors.New("control message too large")
)

// Request is one control command.
type Request struct {
	Secret  string   `json:"secret"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Result string `json:"result"`
	Text   string `json:"text,omitempty"`
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	return r.Result == ResultSuccess
}

// Codec reads and writes control messages on a stream.
type Codec interface {
	DecodeRequest(r io.Reader) (Request, error)
	EncodeResponse(w io.Writer, resp Response) error
	EncodeRequest(w io.Writer, req Request) error
	DecodeResponse(r io.Reader) (Response, error)
}

// JSONCodec encodes each message as one line of JSON.
type JSONCodec struct {
	// MaxMessage bounds a message; zero means DefaultMaxMessage.
	MaxMessage int
}

// NewJSONCodec returns a JSONCodec with the default size limit.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{MaxMessage: DefaultMaxMessage}
}

func (c *JSONCodec) DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := c.decode(r, &req); err != nil {
		return Request{}, err
	}
	if req.Command == "" {
		return Request{}, fmt.Errorf("%w: missing command", ErrMalformedMessage)
	}
	return req, nil
}

func (c *JSONCodec) EncodeResponse(w io.Writer, resp Response) error {
	return c.encode(w, resp)
}

func (c *JSONCodec) EncodeRequest(w io.Writer, req Request) error {
	return c.encode(w, req)
}

func (c *JSONCodec) DecodeResponse(r io.Reader) (Response, error) {
	var resp Response
	if err := c.decode(r, &resp); err != nil {
		return Response{}, err
	}
	if resp.Result != ResultSuccess && resp.Result != ResultFailure {
		return Response{}, fmt.Errorf("%w: unknown result %q", ErrMalformedMessage, resp.Result)
	}
	return resp, nil
}

func (c *JSONCodec) limit() int {
	if c.MaxMessage <= 0 {
		return DefaultMaxMessage
	}
	return c.MaxMessage
}

// decode reads one line. A final line without a newline is accepted at EOF.
func (c *JSONCodec) decode(r io.Reader, v any) error {
	limit := c.limit()
	line, err := bufio.NewReader(io.LimitReader(r, int64(limit)+1)).ReadBytes('\n')
	if len(line) > limit {
		return ErrMessageTooLarge
	}
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func (c *JSONCodec) encode(w io.Writer, v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	if len(out)+1 > c.limit() {
		return ErrMessageTooLarge
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

var _ Codec = (*JSONCodec)(nil)
