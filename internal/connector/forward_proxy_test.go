package connector

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/die-net/proxyhop/internal/proxyinfo"
	"github.com/die-net/proxyhop/internal/testutil"
	"github.com/die-net/proxyhop/internal/tlswrap"
)

func TestConnectThroughForwardProxy(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from "+r.Host)
	}))
	defer origin.Close()

	_, portStr, err := net.SplitHostPort(origin.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(origin.Certificate())
	wrapper, err := tlswrap.New(tlswrap.Options{RootCAs: pool, HandshakeTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	creds := &proxyinfo.Credentials{Username: "user", Password: "pass"}
	good, err := proxyinfo.New("127.0.0.1", 1, creds)
	if err != nil {
		t.Fatal(err)
	}
	auth, _ := good.AuthorizationHeaderValue()

	fp := testutil.StartForwardProxy(t, testutil.ForwardProxyOptions{ProxyAuthorization: auth})

	tests := []struct {
		name     string
		creds    *proxyinfo.Credentials
		wantCode int
	}{
		{name: "authorized", creds: creds},
		{name: "wrong password", creds: &proxyinfo.Credentials{Username: "user", Password: "nope"}, wantCode: http.StatusProxyAuthRequired},
		{name: "no credentials", wantCode: http.StatusProxyAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := proxyinfo.Parse(fp.URL())
			if err != nil {
				t.Fatal(err)
			}
			info, err = proxyinfo.New(info.Host(), info.Port(), tt.creds)
			if err != nil {
				t.Fatal(err)
			}

			nop := zerolog.Nop()
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg, "test")
			c, err := New(info, wrapper, Config{NegotiationTimeout: 5 * time.Second, Logger: &nop, Metrics: metrics})
			if err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			s, err := c.Connect(ctx, "127.0.0.1", uint16(port), "https")
			if tt.wantCode != 0 {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != tt.wantCode {
					t.Fatalf("expected status %d, got %v", tt.wantCode, err)
				}
				if got := promtest.ToFloat64(metrics.connects.WithLabelValues("https", "status")); got != 1 {
					t.Errorf("status count=%v want 1", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			enc, ok := s.Encrypted()
			if !ok || !enc.ConnectionState().HandshakeComplete {
				t.Fatal("expected a completed TLS stream")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+net.JoinHostPort("127.0.0.1", portStr)+"/", nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Close = true
			if err := req.Write(s); err != nil {
				t.Fatal(err)
			}
			resp, err := http.ReadResponse(bufio.NewReader(s), req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff("hello from 127.0.0.1:"+portStr, string(body)); diff != "" {
				t.Fatalf("body mismatch (-want +got):\n%s", diff)
			}
			if got := promtest.ToFloat64(metrics.connects.WithLabelValues("https", "ok")); got != 1 {
				t.Errorf("ok count=%v want 1", got)
			}
		})
	}

	want := []string{
		"CONNECT 127.0.0.1:" + portStr,
		"CONNECT 127.0.0.1:" + portStr,
		"CONNECT 127.0.0.1:" + portStr,
	}
	if diff := cmp.Diff(want, fp.Requests()); diff != "" {
		t.Fatalf("proxy requests mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectPlainThroughForwardProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path)
	}))
	defer origin.Close()

	fp := testutil.StartForwardProxy(t, testutil.ForwardProxyOptions{})
	info, err := proxyinfo.Parse(fp.URL())
	if err != nil {
		t.Fatal(err)
	}

	wrapper, err := tlswrap.New(tlswrap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	nop := zerolog.Nop()
	c, err := New(info, wrapper, Config{Logger: &nop})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	originHost, originPort, err := net.SplitHostPort(origin.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.ParseUint(originPort, 10, 16)
	if err != nil {
		t.Fatal(err)
	}

	s, err := c.Connect(ctx, originHost, uint16(port), "http")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// The caller speaks absolute-form HTTP to the proxy itself.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.URL+"/path", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Close = true
	if err := req.WriteProxy(s); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(s), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "GET /path" {
		t.Fatalf("got %q", body)
	}
	if diff := cmp.Diff([]string{"GET " + origin.URL + "/path"}, fp.Requests()); diff != "" {
		t.Fatalf("proxy requests mismatch (-want +got):\n%s", diff)
	}
}
