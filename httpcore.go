// Package httpcore is the public surface over the request execution engine:
// a synchronous HTTP/1.1 client built from a protocol state machine, a
// pluggable connector chain, a connection pool, and a body codec stack.
package httpcore

import (
	"io"
	"net/url"
	"strings"

	"github.com/arkveil/httpcore/pkg/agent"
	"github.com/arkveil/httpcore/pkg/cookiejar"
	"github.com/arkveil/httpcore/pkg/flow"
	"github.com/arkveil/httpcore/pkg/pool"
	"github.com/arkveil/httpcore/pkg/proxycfg"
)

// Re-exported types so callers only need this package for common use.
type (
	Config       = agent.Config
	IPFamily     = agent.IPFamily
	Request      = agent.Request
	Response     = agent.Response
	Headers      = flow.Headers
	BodyMode     = flow.BodyMode
	Proxy        = proxycfg.Proxy
	PoolStats    = pool.Stats
	RedirectAuth = flow.RedirectAuthPolicy
)

const (
	IPAny    = agent.IPAny
	IPv4Only = agent.IPv4Only
	IPv6Only = agent.IPv6Only
)

const (
	NoBody          = flow.NoBody
	LengthDelimited = flow.LengthDelimited
	Chunked         = flow.Chunked
	CloseDelimited  = flow.CloseDelimited
)

const (
	RedirectAuthNever    = flow.RedirectAuthNever
	RedirectAuthSameHost = flow.RedirectAuthSameHost
)

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config { return agent.DefaultConfig() }

// Agent is a configured HTTP client: one connection pool, one cookie jar,
// one resolver, shared across concurrent calls.
type Agent struct {
	inner *agent.Agent
}

// NewAgent builds an Agent from cfg.
func NewAgent(cfg Config) *Agent {
	return &Agent{inner: agent.New(cfg)}
}

// Close shuts down the Agent's connection pool.
func (a *Agent) Close() { a.inner.Close() }

// PoolStats reports current idle-connection occupancy.
func (a *Agent) PoolStats() PoolStats { return a.inner.Pool.Stats() }

// Jar exposes the Agent's cookie jar for direct inspection or seeding.
func (a *Agent) Jar() *cookiejar.Jar { return a.inner.Jar }

// NewHeaders returns an empty, ordered, case-insensitive header set.
func NewHeaders() *Headers { return flow.NewHeaders() }

// ParseProxyURL parses a proxy URL of the form scheme://[user:pass@]host[:port].
func ParseProxyURL(raw string) (*Proxy, error) { return proxycfg.ParseProxyURL(raw) }

// ProxyFromEnvironment applies the ALL_PROXY/HTTPS_PROXY/HTTP_PROXY/NO_PROXY
// convention.
func ProxyFromEnvironment(scheme string) (*Proxy, error) { return proxycfg.FromEnvironment(scheme) }

// Get issues a GET request against rawURL using cfg's defaults.
func (a *Agent) Get(rawURL string) (*Response, error) {
	return a.Do(&Request{Method: "GET", URI: mustParse(rawURL)})
}

// Do sends req and returns the response or an Error.
func (a *Agent) Do(req *Request) (*Response, error) {
	return a.inner.Do(req)
}

// NewRequest builds a Request for method/url, inferring the body framing
// from body: nil means NoBody, everything else is sent chunked unless the
// caller calls NewRequestWithLength for a known Content-Length.
func NewRequest(method, rawURL string, body io.Reader) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	req := &Request{Method: strings.ToUpper(method), URI: u, Headers: flow.NewHeaders(), Body: body}
	if body == nil {
		req.BodyMode = flow.NoBody
	} else {
		req.BodyMode = flow.Chunked
	}
	return req, nil
}

// NewRequestWithLength is like NewRequest but declares a known body length,
// framing the body as Content-Length rather than chunked.
func NewRequestWithLength(method, rawURL string, body io.Reader, length int64) (*Request, error) {
	req, err := NewRequest(method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.BodyMode = flow.LengthDelimited
	req.BodyLength = length
	return req, nil
}

func mustParse(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &url.URL{}
	}
	return u
}
