package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

const (
	lengthPrefix = 2

	// keepaliveUnit is the resolution of the EDNS0 TCP keepalive timeout (RFC 7828).
	keepaliveUnit = 100 * time.Millisecond
)

type tcpCodec struct{}

// NewTCPCodec returns the StreamCodec used on DNS-over-TCP connections.
func NewTCPCodec() StreamCodec {
	return tcpCodec{}
}

func (tcpCodec) Decode(buf []byte) (Request, int, error) {
	if len(buf) < lengthPrefix {
		return Request{}, 0, ErrIncomplete
	}
	size := int(binary.BigEndian.Uint16(buf))
	total := lengthPrefix + size
	if len(buf) < total {
		return Request{}, 0, ErrIncomplete
	}
	if size == 0 {
		return Request{}, total, fmt.Errorf("%w: zero length frame", ErrMalformed)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[lengthPrefix:total]); err != nil {
		return Request{}, total, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := Request{
		Msg:       msg,
		Keepalive: hasKeepalive(msg),
		Transfer:  isTransfer(msg),
		Size:      size,
	}
	return req, total, nil
}

func (tcpCodec) Encode(msg *dns.Msg, advertise time.Duration) ([]byte, error) {
	if advertise > 0 {
		setKeepalive(msg, advertise)
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack response: %w", err)
	}
	if len(packed) > dns.MaxMsgSize {
		return nil, fmt.Errorf("response too large for stream framing: %d bytes", len(packed))
	}
	out := make([]byte, lengthPrefix+len(packed))
	binary.BigEndian.PutUint16(out, uint16(len(packed)))
	copy(out[lengthPrefix:], packed)
	return out, nil
}

func hasKeepalive(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0TCPKEEPALIVE {
			return true
		}
	}
	return false
}

func isTransfer(msg *dns.Msg) bool {
	if msg.Response || len(msg.Question) == 0 {
		return false
	}
	qtype := msg.Question[0].Qtype
	return qtype == dns.TypeAXFR || qtype == dns.TypeIXFR
}

// setKeepalive replaces any keepalive option on msg with one advertising d.
func setKeepalive(msg *dns.Msg, d time.Duration) {
	opt := msg.IsEdns0()
	if opt == nil {
		msg.SetEdns0(dns.DefaultMsgSize, false)
		opt = msg.IsEdns0()
	}
	kept := opt.Option[:0]
	for _, o := range opt.Option {
		if o.Option() != dns.EDNS0TCPKEEPALIVE {
			kept = append(kept, o)
		}
	}
	units := d / keepaliveUnit
	if units > 0xffff {
		units = 0xffff
	}
	opt.Option = append(kept, &dns.EDNS0_TCP_KEEPALIVE{
		Code:    dns.EDNS0TCPKEEPALIVE,
		Timeout: uint16(units),
	})
}
