package flow

import (
	"net/url"
	"strings"

	"github.com/arkveil/httpcore/pkg/errors"
)

// RedirectAuthPolicy controls whether Authorization survives a redirect.
type RedirectAuthPolicy int

const (
	RedirectAuthNever RedirectAuthPolicy = iota
	RedirectAuthSameHost
)

// IsRedirectStatus reports whether status is one this package follows.
func IsRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// NextRequest derives the Flow for a redirect target from f's response,
// applying method/body preservation and Authorization-carry rules.
// httpsOnly rejects an https->http downgrade.
func (f *Flow) NextRequest(policy RedirectAuthPolicy, httpsOnly bool) (*Flow, error) {
	if f.phase != PhaseRedirect {
		return nil, errors.NewRedirectFailed("NextRequest called outside Redirect phase", nil)
	}

	loc, ok := f.RespHeaders.Get("Location")
	if !ok || loc == "" {
		return nil, errors.NewRedirectFailed("response carried no Location header", nil)
	}
	target, err := f.URI.Parse(loc)
	if err != nil {
		return nil, errors.NewRedirectFailed("malformed Location header: "+loc, err)
	}

	if target.Scheme == "http" && f.URI.Scheme == "https" && httpsOnly {
		return nil, errors.NewRedirectFailed("redirect would downgrade https to http under https_only", nil)
	}

	method := f.Method
	dropBody := false
	switch f.Status {
	case 301, 302, 303:
		if method != "HEAD" {
			method = "GET"
		}
		dropBody = true
	case 307, 308:
		// method and body preserved
	}

	headers := f.Headers.Clone()
	if _, hasAuth := headers.Get("Authorization"); hasAuth {
		carry := policy == RedirectAuthSameHost && sameOrigin(f.URI, target)
		if !carry {
			headers.Del("Authorization")
		}
	}
	if dropBody {
		headers.Del("Content-Length")
		headers.Del("Transfer-Encoding")
	}
	headers.Del("Host")

	next := New(method, target, headers)
	if !dropBody {
		next.reqBodyMode, next.reqBodyLen = f.reqBodyMode, f.reqBodyLen
	}
	return next, nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
