package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/die-net/proxyhop/internal/connector"
	"github.com/die-net/proxyhop/internal/dialer"
	"github.com/die-net/proxyhop/internal/proxyinfo"
	"github.com/die-net/proxyhop/internal/tlswrap"
)

// Options configures New.
type Options struct {
	// Dialer reaches proxies and bypassed targets. Defaults to direct.
	Dialer dialer.Dialer
	// TLS wraps https connections. Defaults to a tlswrap.Client with the
	// system roots.
	TLS tlswrap.Wrapper
	// NegotiationTimeout bounds each CONNECT exchange.
	NegotiationTimeout time.Duration
	// Timeout is the http.Client timeout. Zero means none.
	Timeout time.Duration
	// IdleConnTimeout defaults to 90s.
	IdleConnTimeout time.Duration
	Logger          *zerolog.Logger
	Metrics         *connector.Metrics
}

type router struct {
	sel  *proxyinfo.Selector
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	connectors map[string]*connector.ProxyConnector
}

// New returns a client routing through sel. A nil sel means every target
// is dialed directly.
func New(sel *proxyinfo.Selector, opts Options) (*http.Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if opts.TLS == nil {
		w, err := tlswrap.New(tlswrap.Options{})
		if err != nil {
			return nil, err
		}
		opts.TLS = w
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	r := &router{
		sel:        sel,
		opts:       opts,
		log:        log.Logger,
		connectors: make(map[string]*connector.ProxyConnector),
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}

	tr := &http.Transport{
		Proxy:           r.proxy,
		DialContext:     r.dialContext,
		DialTLSContext:  r.dialTLSContext,
		IdleConnTimeout: opts.IdleConnTimeout,
		MaxIdleConns:    100,
	}

	return &http.Client{Transport: tr, Timeout: opts.Timeout}, nil
}

// proxy tells net/http which plain http requests go to a proxy. https is
// never proxied at this level, dialTLSContext tunnels it instead.
func (r *router) proxy(req *http.Request) (*url.URL, error) {
	if req.URL.Scheme != "http" {
		return nil, nil
	}
	p, err := r.sel.ProxyFor("http", req.URL.Hostname(), targetPort(req.URL))
	if err != nil || p == nil {
		return nil, err
	}
	// Registered so dialContext recognizes the proxy's address.
	if _, err := r.connector(p); err != nil {
		return nil, err
	}
	return p.URL(), nil
}

// dialContext dials either a proxy chosen by r.proxy or a bypassed plain
// http target.
func (r *router) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if c := r.connectorForAddr(addr); c != nil {
		return c.DialContext(ctx, network, addr)
	}
	r.log.Debug().Str("target", addr).Msg("direct")
	return r.opts.Dialer.DialContext(ctx, network, addr)
}

func (r *router) dialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	p, err := r.sel.ProxyFor("https", host, uint16(port))
	if err != nil {
		return nil, err
	}
	if p != nil {
		c, err := r.connector(p)
		if err != nil {
			return nil, err
		}
		return c.DialTLSContext(ctx, network, addr)
	}

	r.log.Debug().Str("target", addr).Msg("direct")
	conn, err := r.opts.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return r.opts.TLS.Wrap(ctx, conn, host)
}

// connector returns the cached connector for p, creating it on first use.
func (r *router) connector(p *proxyinfo.ProxyInfo) (*connector.ProxyConnector, error) {
	key := p.URL().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.connectors[key]; ok {
		return c, nil
	}
	c, err := connector.New(p, r.opts.TLS, connector.Config{
		Dialer:             r.opts.Dialer,
		NegotiationTimeout: r.opts.NegotiationTimeout,
		Logger:             &r.log,
		Metrics:            r.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	r.connectors[key] = c
	return c, nil
}

func (r *router) connectorForAddr(addr string) *connector.ProxyConnector {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.connectors {
		if c.Proxy().Addr() == addr {
			return c
		}
	}
	return nil
}

func targetPort(u *url.URL) uint16 {
	if s := u.Port(); s != "" {
		if n, err := strconv.ParseUint(s, 10, 16); err == nil {
			return uint16(n)
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
