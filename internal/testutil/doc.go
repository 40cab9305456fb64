// Package testutil holds network fixtures shared by tests: a generic TCP
// server with an echo variant, a SOCKS5 jump host and an HTTP forward proxy.
package testutil
