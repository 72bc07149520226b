// Package agent implements the request driver: the glue above the protocol
// state machine, the connector chain, the pool, and the body codecs.
package agent

import (
	"crypto/tls"
	"time"

	"github.com/arkveil/httpcore/pkg/calltiming"
	"github.com/arkveil/httpcore/pkg/constants"
	"github.com/arkveil/httpcore/pkg/flow"
	"github.com/arkveil/httpcore/pkg/proxycfg"
	"github.com/arkveil/httpcore/pkg/tlsconfig"
)

// IPFamily restricts which address family the resolver returns.
type IPFamily int

const (
	IPAny IPFamily = iota
	IPv4Only
	IPv6Only
)

// Config is the agent-level configuration, optionally overridden per
// request.
type Config struct {
	HTTPStatusAsError       bool
	HTTPSOnly               bool
	NoDelay                 bool
	SaveRedirectHistory     bool
	MaxRedirectsDoError     bool
	AllowNonStandardMethods bool

	// DisableCookies skips creating a cookie jar for the agent: no
	// Set-Cookie capture, no Cookie header injection. It also relaxes the
	// response-head parser to tolerate a missing trailing CRLF on a 3xx
	// response while redirects are being followed, matching a class of
	// servers that omit it on a terminal redirect.
	DisableCookies bool

	MaxRedirects              int
	MaxResponseHeaderSize     int
	InputBufferSize           int
	OutputBufferSize          int
	MaxIdleConnections        int
	MaxIdleConnectionsPerHost int
	MaxIdleAge                time.Duration

	Timeouts calltiming.Timeouts

	IPFamily            IPFamily
	RedirectAuthHeaders flow.RedirectAuthPolicy

	Proxy      *proxycfg.Proxy
	TLSConfig  *tls.Config
	TLSProfile tlsconfig.VersionProfile

	UserAgent string
}

// DefaultConfig matches the constants package defaults.
func DefaultConfig() Config {
	return Config{
		NoDelay:                   true,
		TLSProfile:                tlsconfig.ProfileSecure,
		MaxRedirects:              constants.DefaultMaxRedirects,
		MaxRedirectsDoError:       true,
		MaxResponseHeaderSize:     constants.DefaultMaxResponseHeader,
		InputBufferSize:           constants.DefaultInputBufferSize,
		OutputBufferSize:          constants.DefaultOutputBufferSize,
		MaxIdleConnections:        constants.DefaultMaxIdleConnections,
		MaxIdleConnectionsPerHost: constants.DefaultMaxIdleConnectionsPerHost,
		MaxIdleAge:                constants.DefaultMaxIdleAge,
		Timeouts: calltiming.Timeouts{
			Connect:  constants.DefaultConnectTimeout,
			Resolve:  constants.DefaultResolveTimeout,
			Await100: constants.DefaultAwait100,
		},
		UserAgent: constants.DefaultUserAgent,
	}
}
