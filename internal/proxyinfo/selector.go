package proxyinfo

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/http/httpproxy"
)

// Selector picks the proxy for a target, or none when the target should be
// reached directly.
type Selector struct {
	proxy  *ProxyInfo
	bypass []glob.Glob
	env    func(*url.URL) (*url.URL, error)
}

// NewSelector returns a Selector that routes every target through proxy,
// except hosts matching one of the bypass glob patterns.
//
// Patterns are matched case-insensitively with '.' as the separator, so
// "*.example.com" matches "www.example.com" but not "a.b.example.com";
// use "**.example.com" for any depth. A nil proxy means always direct.
func NewSelector(proxy *ProxyInfo, bypass []string) (*Selector, error) {
	globs, err := CompileBypass(bypass)
	if err != nil {
		return nil, err
	}
	return &Selector{proxy: proxy, bypass: globs}, nil
}

// CompileBypass compiles bypass patterns the way NewSelector does.
func CompileBypass(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(strings.ToLower(p), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid bypass pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// FromEnvironment returns a Selector driven by HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY (and their lowercase forms).
func FromEnvironment() *Selector {
	return FromConfig(httpproxy.FromEnvironment())
}

// FromConfig returns a Selector driven by cfg. As with net/http, requests to
// localhost and loopback addresses are never proxied.
func FromConfig(cfg *httpproxy.Config) *Selector {
	return &Selector{env: cfg.ProxyFunc()}
}

// ProxyFor returns the proxy serving scheme://host:port, or nil if the
// target is reached directly.
func (s *Selector) ProxyFor(scheme, host string, port uint16) (*ProxyInfo, error) {
	if s == nil {
		return nil, nil
	}

	lhost := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, g := range s.bypass {
		if g.Match(lhost) {
			return nil, nil
		}
	}

	if s.env == nil {
		return s.proxy, nil
	}

	target := &url.URL{Scheme: strings.ToLower(scheme), Host: net.JoinHostPort(host, strconv.Itoa(int(port)))}
	u, err := s.env(target)
	if err != nil {
		return nil, fmt.Errorf("proxy from environment: %w", err)
	}
	if u == nil {
		return nil, nil
	}
	return FromURL(u)
}
