package connector

import "net"

// prefixConn replays bytes that were read past the end of the CONNECT
// response head before reading from the underlying conn.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func withPrefix(c net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return c
	}
	return &prefixConn{Conn: c, prefix: append([]byte(nil), prefix...)}
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// NetConn returns the underlying connection.
func (c *prefixConn) NetConn() net.Conn {
	return c.Conn
}
