package tlswrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Conn is an encrypted stream.
type Conn interface {
	net.Conn
	ConnectionState() tls.ConnectionState
}

// Wrapper performs a client TLS handshake over conn and returns the
// encrypted stream. serverName is used for SNI and certificate validation.
//
// Wrap must not consume bytes from conn beyond the handshake records.
type Wrapper interface {
	Wrap(ctx context.Context, conn net.Conn, serverName string) (Conn, error)
}

// Options configures a Client.
type Options struct {
	// CAFile is a PEM bundle of trusted roots. Empty means the system pool.
	CAFile string
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	// NextProtos defaults to http/1.1.
	NextProtos []string
	// HandshakeTimeout bounds each handshake. Zero means only ctx applies.
	HandshakeTimeout time.Duration
	// RootCAs, when set, is used instead of CAFile and the system pool.
	RootCAs *x509.CertPool
}

// Client is the crypto/tls backed Wrapper.
type Client struct {
	config           *tls.Config
	handshakeTimeout time.Duration
}

// New builds a Client from opts. It fails if the CA file cannot be loaded.
func New(opts Options) (*Client, error) {
	cfg := &tls.Config{
		MinVersion:         opts.MinVersion,
		NextProtos:         opts.NextProtos,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // Explicitly requested by the user.
		RootCAs:            opts.RootCAs,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}

	if cfg.RootCAs == nil && opts.CAFile != "" {
		pool, err := loadCAFile(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return &Client{config: cfg, handshakeTimeout: opts.HandshakeTimeout}, nil
}

// Wrap runs the TLS handshake on conn. On failure conn is closed and the
// handshake error is returned.
func (c *Client) Wrap(ctx context.Context, conn net.Conn, serverName string) (Conn, error) {
	if serverName == "" {
		_ = conn.Close()
		return nil, errors.New("tls wrap: missing server name")
	}

	cfg := c.config.Clone()
	cfg.ServerName = serverName

	tlsConn := tls.Client(conn, cfg)

	if c.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}

	return tlsConn, nil
}

func loadCAFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls wrap: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls wrap: no certificates in %s", path)
	}
	return pool, nil
}
