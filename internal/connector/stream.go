package connector

import (
	"net"

	"github.com/die-net/proxyhop/internal/tlswrap"
)

// Kind tells which variant a Stream holds.
type Kind int

const (
	KindPlain Kind = iota + 1
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Stream is the result of Connect: either the plain proxy connection or a
// TLS connection running through a CONNECT tunnel. Either way it is a
// net.Conn, so callers that don't care can use it directly.
type Stream struct {
	net.Conn

	kind Kind
	enc  tlswrap.Conn
}

func newPlainStream(c net.Conn) *Stream {
	return &Stream{Conn: c, kind: KindPlain}
}

func newEncryptedStream(c tlswrap.Conn) *Stream {
	return &Stream{Conn: c, kind: KindEncrypted, enc: c}
}

func (s *Stream) Kind() Kind {
	return s.kind
}

// Plain returns the raw proxy connection if s is KindPlain.
func (s *Stream) Plain() (net.Conn, bool) {
	if s.kind != KindPlain {
		return nil, false
	}
	return s.Conn, true
}

// Encrypted returns the TLS connection if s is KindEncrypted.
func (s *Stream) Encrypted() (tlswrap.Conn, bool) {
	if s.kind != KindEncrypted {
		return nil, false
	}
	return s.enc, true
}
