package connector

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// maxResponseHead is the capacity of the per-call negotiation buffer.
const maxResponseHead = 1024

// connectRequest renders the CONNECT request for target (host:port). auth
// is the Proxy-Authorization value, or empty.
func connectRequest(target, auth string) []byte {
	var b bytes.Buffer
	b.Grow(64 + 2*len(target) + len(auth))

	b.WriteString("CONNECT ")
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(target)
	b.WriteString("\r\n")
	if auth != "" {
		b.WriteString("Proxy-Authorization: ")
		b.WriteString(auth)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	return b.Bytes()
}

// traceRequest renders the request on a single line for logging, with the
// credentials replaced.
func traceRequest(target string, hasAuth bool) string {
	auth := ""
	if hasAuth {
		auth = "Basic [REDACTED]"
	}
	s := strings.TrimSpace(string(connectRequest(target, auth)))
	return strings.ReplaceAll(s, "\r\n", ", ")
}

// headEnd returns the length of the response head at the start of b,
// including the blank line that ends it, or -1 if b holds no complete head.
// Bare LF line endings are accepted.
func headEnd(b []byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3
		}
	}
	return -1
}

// parseHead parses the status line and header fields of a complete response
// head, as delimited by headEnd. Body framing fields are not interpreted: a
// tunnel has no body.
func parseHead(head []byte) (*http.Response, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return nil, fmt.Errorf("malformed HTTP version %q", proto)
	}

	status = strings.TrimLeft(status, " ")
	codeStr, _, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(codeStr)
	if len(codeStr) != 3 || err != nil || code < 100 {
		return nil, fmt.Errorf("malformed status code %q", codeStr)
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("malformed header: %w", err)
	}

	return &http.Response{
		Status:     status,
		StatusCode: code,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     http.Header(hdr),
	}, nil
}

// validHost reports whether host can be placed in a request line and Host
// header as is.
func validHost(host string) bool {
	if host == "" {
		return false
	}
	return !strings.ContainsFunc(host, func(r rune) bool {
		return r <= ' ' || r == 0x7f || r == '/' || r == '@'
	})
}

// normalizeHost strips the brackets of an IPv6 literal so net.JoinHostPort
// adds them back exactly once.
func normalizeHost(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		if ip := net.ParseIP(host[1 : len(host)-1]); ip != nil {
			return host[1 : len(host)-1]
		}
	}
	return host
}
