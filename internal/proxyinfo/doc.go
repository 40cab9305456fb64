// Package proxyinfo describes forward proxy endpoints and decides which
// proxy, if any, serves a given target.
//
// A [ProxyInfo] is built once from configuration and never changes, so it
// can be shared by any number of concurrent connection attempts.
package proxyinfo
