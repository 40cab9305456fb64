package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth holds optional username/password credentials. The zero value offers
// only the no-authentication method.
type Auth struct {
	Username string
	Password string
}

func (a Auth) methods() []byte {
	if a.Username == "" {
		return []byte{txsocks5.MethodNone}
	}
	return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
}

// Connect runs the client side of a SOCKS5 CONNECT for address over rw:
// method selection, authentication if the server asks for it, and the
// request itself. Domain names are passed through for the server to
// resolve. After a nil return rw carries the tunneled stream.
func Connect(rw io.ReadWriter, address string, auth Auth) error {
	req, err := connectRequest(address)
	if err != nil {
		return err
	}

	if _, err := txsocks5.NewNegotiationRequest(auth.methods()).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if err := authenticate(rw, neg.Method, auth); err != nil {
		return err
	}

	if _, err := req.WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}

// connectRequest is validated before anything is written so a bad address
// never costs a round trip.
func connectRequest(address string) (*txsocks5.Request, error) {
	atyp, dst, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	// ParseAddress prefixes domains with their length; NewRequest adds it again.
	if atyp == txsocks5.ATYPDomain {
		dst = dst[1:]
	}
	return txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dst, port), nil
}

func authenticate(rw io.ReadWriter, method byte, auth Auth) error {
	switch method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return errors.New("server requires username/password")
		}
	default:
		return fmt.Errorf("unsupported negotiation method: %d", method)
	}

	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}
