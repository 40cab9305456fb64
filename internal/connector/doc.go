// Package connector reaches targets through an HTTP forward proxy.
//
// Plain http targets get the proxy connection itself: the proxy relays the
// absolute-form requests written on it. https targets get an HTTP CONNECT
// tunnel, negotiated over a fixed 1024-byte buffer, which is then handed to
// a [tlswrap.Wrapper] bound to the target host name.
//
// A ProxyConnector holds no mutable state, so Connect may be called from
// any number of goroutines. It never retries and never pools connections.
package connector
