// Package proxycfg describes upstream proxy configuration and the
// environment-variable auto-config convention.
package proxycfg

import (
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Protocol identifies the upstream proxy protocol.
type Protocol string

const (
	ProtocolHTTPConnect  Protocol = "http"    // HTTP proxy, CONNECT method
	ProtocolHTTPSConnect Protocol = "https"   // HTTP proxy over TLS, CONNECT method
	ProtocolSocks4       Protocol = "socks4"
	ProtocolSocks4A      Protocol = "socks4a"
	ProtocolSocks5       Protocol = "socks5"
)

// defaultResolveTarget returns whether the client resolves the target host
// locally before handing the connection to the proxy. Default true for
// Socks4 (it only carries an IPv4 address on the wire), false otherwise.
func defaultResolveTarget(p Protocol) bool {
	return p == ProtocolSocks4
}

// NoProxy is a comma-separated hostname-pattern matcher, literal match on
// host.
type NoProxy struct {
	patterns []string
}

// ParseNoProxy builds a NoProxy matcher from a comma-separated list such as
// the NO_PROXY environment variable.
func ParseNoProxy(list string) *NoProxy {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	var patterns []string
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}
	if len(patterns) == 0 {
		return nil
	}
	return &NoProxy{patterns: patterns}
}

// Matches reports whether host should bypass the proxy. A pattern matches if
// it is "*" or equals the host; a pattern with a leading "." (".example.com")
// also matches that domain itself and any host ending with it.
func (n *NoProxy) Matches(host string) bool {
	if n == nil {
		return false
	}
	host = strings.ToLower(host)
	for _, p := range n.patterns {
		if p == "*" || host == p {
			return true
		}
		if strings.HasPrefix(p, ".") {
			d := p[1:]
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
		}
	}
	return false
}

// Proxy is the agent-level proxy configuration.
type Proxy struct {
	Protocol      Protocol
	URI           *url.URL
	Username      string
	Password      string
	ResolveTarget bool
	NoProxy       *NoProxy
}

// ParseProxyURL parses a "scheme://[user[:pass]@]host[:port]" string into a
// Proxy, applying the protocol's default port when absent.
func ParseProxyURL(raw string) (*Proxy, error) {
	if raw == "" {
		return nil, &urlError{"proxy URL cannot be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &urlError{"invalid proxy URL: " + err.Error()}
	}

	var proto Protocol
	switch strings.ToLower(u.Scheme) {
	case "http":
		proto = ProtocolHTTPConnect
	case "https":
		proto = ProtocolHTTPSConnect
	case "socks4":
		proto = ProtocolSocks4
	case "socks4a":
		proto = ProtocolSocks4A
	case "socks5":
		proto = ProtocolSocks5
	case "":
		return nil, &urlError{"proxy URL must include a scheme"}
	default:
		return nil, &urlError{"unsupported proxy scheme: " + u.Scheme}
	}

	if u.Hostname() == "" {
		return nil, &urlError{"proxy URL must include a host"}
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(proto)
		u.Host = u.Hostname() + ":" + port
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, &urlError{"proxy port out of range: " + port}
	}

	p := &Proxy{
		Protocol:      proto,
		URI:           u,
		ResolveTarget: defaultResolveTarget(proto),
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func defaultPort(p Protocol) string {
	switch p {
	case ProtocolHTTPConnect:
		return "8080"
	case ProtocolHTTPSConnect:
		return "443"
	case ProtocolSocks4, ProtocolSocks4A, ProtocolSocks5:
		return "1080"
	default:
		return "0"
	}
}

type urlError struct{ msg string }

func (e *urlError) Error() string { return e.msg }

// FromEnvironment implements the auto-config convention: ALL_PROXY,
// HTTPS_PROXY, HTTP_PROXY (first wins, case-insensitive pair), and NO_PROXY.
// scheme selects which of HTTPS_PROXY/HTTP_PROXY is consulted; ALL_PROXY is
// always consulted first regardless of scheme.
func FromEnvironment(scheme string) (*Proxy, error) {
	candidates := []string{"ALL_PROXY", "all_proxy"}
	if strings.EqualFold(scheme, "https") {
		candidates = append(candidates, "HTTPS_PROXY", "https_proxy")
	} else {
		candidates = append(candidates, "HTTP_PROXY", "http_proxy")
	}

	var raw string
	for _, name := range candidates {
		if v := os.Getenv(name); v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return nil, nil
	}

	p, err := ParseProxyURL(raw)
	if err != nil {
		return nil, err
	}

	noProxy := os.Getenv("NO_PROXY")
	if noProxy == "" {
		noProxy = os.Getenv("no_proxy")
	}
	p.NoProxy = ParseNoProxy(noProxy)
	return p, nil
}
