package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartTCPServer hands every connection accepted on a loopback listener to
// handler. When the test ends the listener and any open connections are
// closed, the ctx given to handler is canceled, and all handlers are waited
// for.
func StartTCPServer(t *testing.T, ctx context.Context, handler func(ctx context.Context, c net.Conn)) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Go(func() {
				defer c.Close()
				stop := context.AfterFunc(ctx, func() { _ = c.Close() })
				defer stop()
				handler(ctx, c)
			})
		}
	})

	return ln
}
