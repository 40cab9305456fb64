package relay

import (
	"context"
	"io"
)

// Stream relays conn to out and, in the background, in to conn. It returns
// once conn is exhausted or fails, or ctx is done, and closes conn and out
// on the way out.
//
// The reader of in is not waited for. A read blocked on a terminal or an
// inherited pipe cannot be interrupted, so it is left to finish on its own
// (or with the process). When in reaches EOF the write side of conn is shut
// down if conn supports it, so the peer sees the end of input.
func Stream(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, out io.WriteCloser) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	go func() {
		if _, err := copyPooled(conn, in); err != nil {
			return
		}
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()

	_, err := copyPooled(out, conn)
	_ = conn.Close()
	_ = out.Close()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
