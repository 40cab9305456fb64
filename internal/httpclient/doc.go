// Package httpclient builds an *http.Client whose connections go through
// the proxy a proxyinfo.Selector picks for each target.
//
// Plain http requests are sent to the proxy in absolute form, with
// Proxy-Authorization added by net/http. https requests run TLS through a
// CONNECT tunnel opened by a connector.ProxyConnector. Targets the selector
// bypasses are dialed directly.
package httpclient
