package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DialContext connects to addr as a plain http target, returning the proxy
// connection. It fits http.Transport.DialContext when Transport.Proxy
// points at the same proxy, so requests go out in absolute form.
func (c *ProxyConnector) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitTarget(network, addr)
	if err != nil {
		return nil, err
	}
	s, err := c.Connect(ctx, host, port, "http")
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DialTLSContext connects to addr as an https target and returns the TLS
// connection running through the tunnel. It fits
// http.Transport.DialTLSContext.
func (c *ProxyConnector) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := splitTarget(network, addr)
	if err != nil {
		return nil, err
	}
	s, err := c.Connect(ctx, host, port, "https")
	if err != nil {
		return nil, err
	}
	enc, _ := s.Encrypted()
	return enc, nil
}

func splitTarget(network, addr string) (string, uint16, error) {
	if !strings.HasPrefix(network, "tcp") {
		return "", 0, fmt.Errorf("proxy connect %s %s: unsupported network", network, addr)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: port %q", ErrInvalidTarget, portStr)
	}
	return host, uint16(port), nil
}
