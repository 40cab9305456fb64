package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/proxyhop/internal/socks5"
)

// SOCKS5ProxyDialer reaches its targets through a SOCKS5 server, typically a
// jump host in front of the HTTP proxy.
type SOCKS5ProxyDialer struct {
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

// NewSOCKS5Dialer constructs a SOCKS5 dialer for proxyAddr. If username is
// non-empty, username/password authentication is offered.
func NewSOCKS5Dialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

// DialContext connects to address via the SOCKS5 server. The handshake
// honors ctx: its deadline bounds the negotiation and canceling it aborts a
// blocked handshake.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})

	err = socks5.Connect(c, address, f.auth)
	if !stop() || err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
		}
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}
