// Package socks5 provides the client side of the SOCKS5 handshake used to
// reach a forward proxy through a SOCKS5 jump host.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5.
package socks5
