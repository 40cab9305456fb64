package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/proxyhop/internal/socks5"
	"github.com/die-net/proxyhop/internal/testutil"
)

var keepAliveOn = net.KeepAliveConfig{Enable: true, Idle: 30 * time.Second, Interval: 10 * time.Second, Count: 3}

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			socksLn := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{Username: tt.user, Password: tt.pass})

			d := NewSOCKS5Dialer(Config{DialTimeout: 2 * time.Second, KeepAlive: keepAliveOn}, socksLn.Addr().String(), tt.user, tt.pass)

			conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			// The negotiation deadline must not outlive the handshake.
			var zero time.Time
			if err := conn.SetDeadline(zero); err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, conn, conn, []byte("through the jump host"))
		})
	}
}

func TestSOCKS5ProxyDialerErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	t.Run("bad password", func(t *testing.T) {
		socksLn := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{Username: "user", Password: "pass"})
		d := NewSOCKS5Dialer(Config{}, socksLn.Addr().String(), "user", "wrong")

		_, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
		if !errors.Is(err, socks5.ErrAuthFailed) {
			t.Fatalf("expected ErrAuthFailed, got %v", err)
		}
	})

	t.Run("refused", func(t *testing.T) {
		socksLn := testutil.StartSOCKS5Server(t, ctx, testutil.SOCKS5Options{Refuse: txsocks5.RepNotAllowed})
		d := NewSOCKS5Dialer(Config{}, socksLn.Addr().String(), "", "")

		_, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
		var re *socks5.ReplyError
		if !errors.As(err, &re) || re.Rep != txsocks5.RepNotAllowed {
			t.Fatalf("expected not-allowed ReplyError, got %v", err)
		}
	})

	t.Run("udp", func(t *testing.T) {
		d := NewSOCKS5Dialer(Config{}, "127.0.0.1:1", "", "")
		if _, err := d.DialContext(ctx, "udp", "127.0.0.1:53"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSOCKS5ProxyDialerContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Accepts and then never answers the negotiation.
	ln := testutil.StartTCPServer(t, ctx, func(ctx context.Context, _ net.Conn) {
		<-ctx.Done()
	})

	time.AfterFunc(50*time.Millisecond, cancel)

	d := NewSOCKS5Dialer(Config{}, ln.Addr().String(), "", "")
	_, err := d.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
