package testutil

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"testing"

	"github.com/txthinking/socks5"
)

// RFC 1928: 0xFF indicates no acceptable methods.
const noAcceptableMethods = 0xff

// SOCKS5Options configures StartSOCKS5Server.
type SOCKS5Options struct {
	// Username and Password, when Username is set, are required from clients.
	Username string
	Password string
	// Refuse, when non-zero, is sent as the reply to every CONNECT.
	Refuse byte
}

// StartSOCKS5Server serves SOCKS5 CONNECT on a loopback listener until the
// test ends.
func StartSOCKS5Server(t *testing.T, ctx context.Context, opts SOCKS5Options) net.Listener {
	t.Helper()

	return StartTCPServer(t, ctx, func(ctx context.Context, c net.Conn) {
		_ = serveSOCKS5(ctx, c, opts)
	})
}

func serveSOCKS5(ctx context.Context, c net.Conn, opts SOCKS5Options) error {
	neg, err := socks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return err
	}

	if opts.Username == "" {
		if !slices.Contains(neg.Methods, socks5.MethodNone) {
			_, _ = socks5.NewNegotiationReply(noAcceptableMethods).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if !slices.Contains(neg.Methods, socks5.MethodUsernamePassword) {
			_, _ = socks5.NewNegotiationReply(noAcceptableMethods).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}

		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != opts.Username || string(urq.Passwd) != opts.Password {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != socks5.CmdConnect {
		_, _ = zeroReply(socks5.RepCommandNotSupported).WriteTo(c)
		return nil
	}
	if opts.Refuse != 0 {
		_, _ = zeroReply(opts.Refuse).WriteTo(c)
		return nil
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = zeroReply(socks5.RepHostUnreachable).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := socks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	pipe(c, dst)
	return nil
}

func zeroReply(rep byte) *socks5.Reply {
	return socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

// pipe copies both ways and returns once both directions are done.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(a, b)
		_ = a.Close()
	})
	_, _ = io.Copy(b, a)
	_ = b.Close()
	wg.Wait()
}
