package testutil

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strings"
	"sync"
	"testing"
)

// ForwardProxyOptions configures StartForwardProxy.
type ForwardProxyOptions struct {
	// ProxyAuthorization, when set, must match the request's
	// Proxy-Authorization header or the proxy replies 407.
	ProxyAuthorization string
}

// ForwardProxy is an HTTP forward proxy fixture.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - absolute-form requests (via httputil.ReverseProxy)
type ForwardProxy struct {
	srv  *httptest.Server
	opts ForwardProxyOptions
	rp   *httputil.ReverseProxy
	tr   *http.Transport

	mu       sync.Mutex
	requests []string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// StartForwardProxy starts a ForwardProxy on a loopback listener. It is
// stopped when the test ends.
func StartForwardProxy(t *testing.T, opts ForwardProxyOptions) *ForwardProxy {
	t.Helper()

	p := &ForwardProxy{opts: opts, conns: make(map[net.Conn]struct{})}
	p.tr = &http.Transport{}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL = r.In.URL
			r.Out.Host = r.In.URL.Host
			r.Out.Header.Del("Proxy-Authorization")
		},
		Transport: p.tr,
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadGateway)
		},
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Close)

	return p
}

// Addr returns the proxy listen address.
func (p *ForwardProxy) Addr() string {
	return p.srv.Listener.Addr().String()
}

// URL returns the proxy as an http URL string.
func (p *ForwardProxy) URL() string {
	return p.srv.URL
}

// Requests returns "METHOD target" for every request seen, in order.
func (p *ForwardProxy) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// Close stops the server, closes tunnels and waits for them to finish.
func (p *ForwardProxy) Close() {
	p.srv.Close()

	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.tr.CloseIdleConnections()
}

func (p *ForwardProxy) handle(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if r.Method != http.MethodConnect {
		target = r.URL.String()
	}

	p.mu.Lock()
	p.requests = append(p.requests, r.Method+" "+target)
	p.mu.Unlock()

	if p.opts.ProxyAuthorization != "" && r.Header.Get("Proxy-Authorization") != p.opts.ProxyAuthorization {
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	if strings.EqualFold(r.Method, http.MethodConnect) {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *ForwardProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	serverConn, err := (&net.Dialer{}).DialContext(r.Context(), "tcp", r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = serverConn.Close()
		return
	}

	if !p.track(clientConn, serverConn) {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	go func() {
		defer p.wg.Done()
		defer p.untrack(clientConn, serverConn)

		_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
		if err := brw.Flush(); err != nil {
			_ = clientConn.Close()
			_ = serverConn.Close()
			return
		}
		pipe(&bufferedConn{Conn: clientConn, r: brw.Reader}, serverConn)
	}()
}

func (p *ForwardProxy) track(conns ...net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	for _, c := range conns {
		p.conns[c] = struct{}{}
	}
	p.wg.Add(1)
	return true
}

func (p *ForwardProxy) untrack(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		delete(p.conns, c)
	}
}

// bufferedConn reads through the hijacked bufio.Reader so bytes the server
// already buffered are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
