package control

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RequestRoundTrip(t *testing.T) {
	codec := NewJSONCodec()
	var buf bytes.Buffer
	require.NoError(t, codec.EncodeRequest(&buf, Request{Secret: "k", Command: "tcp-timeouts", Args: []string{"25", "50", "70", "70"}}))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	req, err := codec.DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "k", req.Secret)
	assert.Equal(t, "tcp-timeouts", req.Command)
	assert.Equal(t, []string{"25", "50", "70", "70"}, req.Args)
}

func TestJSONCodec_DecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		command string
	}{
		{name: "newline terminated", input: `{"secret":"k","command":"status"}` + "\n", command: "status"},
		{name: "no trailing newline", input: `{"secret":"k","command":"null"}`, command: "null"},
		{name: "missing command", input: `{"secret":"k"}` + "\n", wantErr: ErrMalformedMessage},
		{name: "not json", input: "stop\n", wantErr: ErrMalformedMessage},
		{name: "too large", input: `{"command":"` + strings.Repeat("a", 100) + `"}` + "\n", wantErr: ErrMessageTooLarge},
	}

	codec := &JSONCodec{MaxMessage: 64}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := codec.DecodeRequest(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.command, req.Command)
		})
	}
}

func TestJSONCodec_DecodeRequest_Empty(t *testing.T) {
	_, err := NewJSONCodec().DecodeRequest(strings.NewReader(""))
	assert.Error(t, err)
}

func TestJSONCodec_DecodeResponse(t *testing.T) {
	codec := NewJSONCodec()

	resp, err := codec.DecodeResponse(strings.NewReader(`{"result":"success","text":"ok"}` + "\n"))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "ok", resp.Text)

	_, err = codec.DecodeResponse(strings.NewReader(`{"result":"maybe"}` + "\n"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestJSONCodec_EncodeTooLarge(t *testing.T) {
	codec := &JSONCodec{MaxMessage: 16}
	var buf bytes.Buffer
	err := codec.EncodeResponse(&buf, Response{Result: ResultSuccess, Text: strings.Repeat("x", 32)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, buf.Len())
}

func TestSharedSecret(t *testing.T) {
	auth := NewSharedSecret("s3cret")
	assert.NoError(t, auth.Authenticate("s3cret"))
	assert.ErrorIs(t, auth.Authenticate("s3cre"), ErrUnauthorized)
	assert.ErrorIs(t, auth.Authenticate(""), ErrUnauthorized)

	assert.ErrorIs(t, NewSharedSecret("").Authenticate(""), ErrUnauthorized, "an empty key accepts nothing")
}
