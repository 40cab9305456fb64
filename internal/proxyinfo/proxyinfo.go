package proxyinfo

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Credentials are the username and password presented to the proxy.
type Credentials struct {
	Username string
	Password string
}

// ProxyInfo is an immutable forward proxy endpoint.
type ProxyInfo struct {
	host  string
	port  uint16
	creds *Credentials
	auth  string
}

// New validates host, port and creds and returns the resulting ProxyInfo.
//
// creds may be nil. The authorization header value is derived here, once.
func New(host string, port uint16, creds *Credentials) (*ProxyInfo, error) {
	if host == "" {
		return nil, errors.New("proxy info: missing host")
	}
	if strings.ContainsFunc(host, isSpaceOrControl) {
		return nil, fmt.Errorf("proxy info: invalid host %q", host)
	}
	if port == 0 {
		return nil, errors.New("proxy info: missing port")
	}

	p := &ProxyInfo{host: host, port: port}

	if creds != nil {
		if strings.Contains(creds.Username, ":") {
			return nil, errors.New("proxy info: username must not contain ':'")
		}
		if strings.ContainsFunc(creds.Username, isControl) || strings.ContainsFunc(creds.Password, isControl) {
			return nil, errors.New("proxy info: credentials must not contain control characters")
		}
		c := *creds
		p.creds = &c
		p.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
	}

	return p, nil
}

// Parse builds a ProxyInfo from a proxy URL of the form
// http://[user[:pass]@]host[:port].
//
// The port defaults to 80. Userinfo, if present, becomes the credentials.
func Parse(rawURL string) (*ProxyInfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	return FromURL(u)
}

// FromURL is like Parse for an already parsed URL.
func FromURL(u *url.URL) (*ProxyInfo, error) {
	if u == nil {
		return nil, errors.New("invalid proxy url: nil")
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
	case "":
		return nil, errors.New("invalid proxy url: missing scheme")
	default:
		return nil, fmt.Errorf("invalid proxy url scheme: %q", u.Scheme)
	}

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid proxy url: path should be empty")
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid proxy url: missing host")
	}

	port := uint16(80)
	if s := u.Port(); s != "" {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url port %q: %w", s, err)
		}
		port = uint16(n)
	}

	var creds *Credentials
	if u.User != nil {
		pass, _ := u.User.Password()
		creds = &Credentials{Username: u.User.Username(), Password: pass}
	}

	return New(host, port, creds)
}

// Host returns the proxy hostname or IP literal, without brackets.
func (p *ProxyInfo) Host() string {
	return p.host
}

// Port returns the proxy TCP port.
func (p *ProxyInfo) Port() uint16 {
	return p.port
}

// Addr returns host:port suitable for dialing.
func (p *ProxyInfo) Addr() string {
	return net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// Credentials returns a copy of the configured credentials, or nil.
func (p *ProxyInfo) Credentials() *Credentials {
	if p.creds == nil {
		return nil
	}
	c := *p.creds
	return &c
}

// AuthorizationHeaderValue returns the Proxy-Authorization value when
// credentials are configured. The value is Basic auth and never contains
// CR or LF.
func (p *ProxyInfo) AuthorizationHeaderValue() (string, bool) {
	return p.auth, p.auth != ""
}

// URL returns the proxy as an http URL, including credentials.
func (p *ProxyInfo) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Addr()}
	if p.creds != nil {
		u.User = url.UserPassword(p.creds.Username, p.creds.Password)
	}
	return u
}

// String renders the proxy URL with the password redacted.
func (p *ProxyInfo) String() string {
	return p.URL().Redacted()
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func isSpaceOrControl(r rune) bool {
	return r == ' ' || isControl(r)
}
