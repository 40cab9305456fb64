package tlswrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewCAFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	good := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(good, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0o600); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		caFile  string
		wantErr bool
	}{
		{name: "system pool"},
		{name: "pem bundle", caFile: good},
		{name: "missing file", caFile: filepath.Join(dir, "missing.pem"), wantErr: true},
		{name: "no certificates", caFile: garbage, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(Options{CAFile: tt.caFile})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if c.config.MinVersion != tls.VersionTLS12 {
				t.Errorf("MinVersion=%x want TLS 1.2", c.config.MinVersion)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = &tls.Config{NextProtos: []string{"http/1.1"}}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	c, err := New(Options{RootCAs: pool, HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		serverName string
		wantErr    bool
	}{
		// httptest certificates are valid for example.com and loopback IPs.
		{name: "matching name", serverName: "example.com"},
		{name: "mismatched name", serverName: "other.example", wantErr: true},
		{name: "empty name", serverName: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			var d net.Dialer
			raw, err := d.DialContext(ctx, "tcp", srv.Listener.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			conn, err := c.Wrap(ctx, raw, tt.serverName)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				// The raw conn must have been closed.
				if _, err := raw.Write([]byte("x")); err == nil {
					t.Fatal("expected raw conn to be closed")
				}
				return
			}
			defer conn.Close()

			st := conn.ConnectionState()
			if !st.HandshakeComplete {
				t.Fatal("handshake not complete")
			}
			if st.ServerName != tt.serverName {
				t.Fatalf("ServerName=%q want %q", st.ServerName, tt.serverName)
			}
			if st.NegotiatedProtocol != "http/1.1" {
				t.Fatalf("NegotiatedProtocol=%q want http/1.1", st.NegotiatedProtocol)
			}
		})
	}
}

func TestWrapContextCanceled(t *testing.T) {
	t.Parallel()

	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}

	// The peer never answers the ClientHello.
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Wrap(ctx, client, "example.com"); err == nil {
		t.Fatal("expected error")
	}
}
