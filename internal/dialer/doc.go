// Package dialer provides the outbound dialers used to reach a forward proxy.
//
// Dialers implement a small interface (DialContext). The proxy connector uses
// one to open the plaintext leg to the proxy, either directly or through a
// SOCKS5 jump host.
package dialer
