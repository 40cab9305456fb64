package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/die-net/proxyhop/internal/dialer"
	"github.com/die-net/proxyhop/internal/proxyinfo"
	"github.com/die-net/proxyhop/internal/tlswrap"
)

// Config holds the optional parts of a ProxyConnector.
type Config struct {
	// Dialer opens the plaintext connection to the proxy. Defaults to a
	// direct dialer with no timeout.
	Dialer dialer.Dialer
	// NegotiationTimeout bounds the CONNECT exchange. Zero means only the
	// context deadline applies.
	NegotiationTimeout time.Duration
	// Logger receives debug traces. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Metrics, if set, counts outcomes.
	Metrics *Metrics
}

// ProxyConnector opens connections to targets through one HTTP proxy.
type ProxyConnector struct {
	proxy              *proxyinfo.ProxyInfo
	direct             dialer.Dialer
	tls                tlswrap.Wrapper
	negotiationTimeout time.Duration
	log                zerolog.Logger
	metrics            *Metrics
}

// New returns a ProxyConnector for proxy that wraps tunnels with wrapper.
func New(proxy *proxyinfo.ProxyInfo, wrapper tlswrap.Wrapper, cfg Config) (*ProxyConnector, error) {
	if proxy == nil {
		return nil, errors.New("proxy connector: missing proxy info")
	}
	if wrapper == nil {
		return nil, errors.New("proxy connector: missing tls wrapper")
	}

	direct := cfg.Dialer
	if direct == nil {
		direct = dialer.NewDirectDialer(dialer.Config{})
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &ProxyConnector{
		proxy:              proxy,
		direct:             direct,
		tls:                wrapper,
		negotiationTimeout: cfg.NegotiationTimeout,
		log:                logger.With().Str("proxy", proxy.Addr()).Logger(),
		metrics:            cfg.Metrics,
	}, nil
}

// Proxy returns the proxy this connector goes through.
func (c *ProxyConnector) Proxy() *proxyinfo.ProxyInfo {
	return c.proxy
}

// Connect opens a connection to host:port through the proxy.
//
// For scheme "http" the proxy connection is returned untouched, as a
// KindPlain Stream. For "https" a CONNECT tunnel to host:port is negotiated
// and wrapped in TLS for host, giving a KindEncrypted Stream. Any other
// scheme fails with ErrUnsupportedScheme without dialing.
//
// Errors are a *ConnectError, a *StatusError, ErrResponseTooLarge, or the
// TLS wrapper's error unchanged.
func (c *ProxyConnector) Connect(ctx context.Context, host string, port uint16, scheme string) (*Stream, error) {
	scheme = strings.ToLower(scheme)
	s, err := c.connect(ctx, host, port, scheme)

	label := scheme
	if label != "http" && label != "https" {
		label = "other"
	}
	c.metrics.connect(label, err)

	return s, err
}

func (c *ProxyConnector) connect(ctx context.Context, host string, port uint16, scheme string) (*Stream, error) {
	switch scheme {
	case "http":
		host = normalizeHost(host)
		if !validHost(host) {
			return nil, fmt.Errorf("%w: host %q", ErrInvalidTarget, host)
		}
		conn, err := c.dialProxy(ctx, host, port)
		if err != nil {
			return nil, err
		}
		c.log.Debug().Str("target", joinHostPort(host, port)).Msg("proxy pass-through")
		return newPlainStream(conn), nil

	case "https":
		host = normalizeHost(host)
		conn, err := c.Tunnel(ctx, host, port)
		if err != nil {
			return nil, err
		}
		enc, err := c.tls.Wrap(ctx, conn, host)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return newEncryptedStream(enc), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Tunnel negotiates a CONNECT tunnel to host:port and returns the raw
// tunneled connection. Bytes the proxy sent after its response head are
// replayed by the returned conn before anything else is read.
func (c *ProxyConnector) Tunnel(ctx context.Context, host string, port uint16) (net.Conn, error) {
	host = normalizeHost(host)
	if !validHost(host) {
		return nil, fmt.Errorf("%w: host %q", ErrInvalidTarget, host)
	}

	conn, err := c.dialProxy(ctx, host, port)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tunnel, err := c.negotiate(ctx, conn, joinHostPort(host, port))
	c.metrics.negotiated(time.Since(start), err)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunnel, nil
}

func (c *ProxyConnector) dialProxy(ctx context.Context, host string, port uint16) (net.Conn, error) {
	conn, err := c.direct.DialContext(ctx, "tcp", c.proxy.Addr())
	if err != nil {
		return nil, &ConnectError{Op: "dial", Proxy: c.proxy.Addr(), Target: joinHostPort(host, port), Err: err}
	}
	return conn, nil
}

// negotiate runs the CONNECT exchange on conn. The caller closes conn on
// error.
func (c *ProxyConnector) negotiate(ctx context.Context, conn net.Conn, target string) (net.Conn, error) {
	auth, hasAuth := c.proxy.AuthorizationHeaderValue()
	c.log.Debug().Str("request", traceRequest(target, hasAuth)).Msg("proxy CONNECT")

	if dl, ok := c.deadline(ctx); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock any pending read or write as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	fail := func(op string, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &ConnectError{Op: op, Proxy: c.proxy.Addr(), Target: target, Err: err}
	}

	if _, err := conn.Write(connectRequest(target, auth)); err != nil {
		return nil, fail("write", err)
	}

	var buf [maxResponseHead]byte
	n := 0
	for n < len(buf) {
		m, rerr := conn.Read(buf[n:])
		n += m

		if end := headEnd(buf[:n]); end >= 0 {
			resp, err := parseHead(buf[:end])
			if err != nil {
				return nil, fail("parse", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				c.log.Debug().Int("code", resp.StatusCode).Msg("proxy CONNECT failed")
				return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
			}
			if !stop() {
				return nil, fail("read", ctx.Err())
			}
			_ = conn.SetDeadline(time.Time{})

			c.log.Debug().Int("code", resp.StatusCode).Msg("proxy CONNECT success")
			return withPrefix(conn, buf[end:n]), nil
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return nil, fail("read", rerr)
		}
	}

	c.log.Debug().Int("bytes", n).Msg("proxy CONNECT response too large")
	return nil, ErrResponseTooLarge
}

// deadline returns the earlier of the ctx deadline and the negotiation
// timeout.
func (c *ProxyConnector) deadline(ctx context.Context) (time.Time, bool) {
	dl, ok := ctx.Deadline()
	if c.negotiationTimeout > 0 {
		if t := time.Now().Add(c.negotiationTimeout); !ok || t.Before(dl) {
			return t, true
		}
	}
	return dl, ok
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
