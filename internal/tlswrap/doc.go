// Package tlswrap upgrades an established byte stream to TLS for a given
// server name.
//
// The proxy connector depends only on the [Wrapper] interface, so a
// different TLS backend can be plugged in without touching the connector.
package tlswrap
