// Package resolver implements DNS resolution with an abandon-on-timeout
// contract: a resolve that outlives its deadline is left to finish in the
// background instead of blocking the caller forever, since net.Resolver has
// no way to cancel an in-flight lookup other than via its context.
package resolver

import (
	"context"
	"net"

	"github.com/arkveil/httpcore/pkg/errors"
)

// Resolver looks up addresses for a host. The zero value uses net.DefaultResolver.
type Resolver struct {
	net *net.Resolver
}

// New returns a Resolver backed by net.DefaultResolver.
func New() *Resolver {
	return &Resolver{net: net.DefaultResolver}
}

// WithNetResolver returns a Resolver backed by a caller-supplied *net.Resolver,
// useful for tests that want to point lookups at a fake DNS server.
func WithNetResolver(r *net.Resolver) *Resolver {
	return &Resolver{net: r}
}

// Resolve returns the IP addresses for host, honoring ctx's deadline. If host
// is already a literal IP address it is returned without a lookup. On
// timeout the underlying lookup goroutine is abandoned (ctx cancellation
// stops the in-flight syscall where the platform resolver supports it; the
// goroutine itself is left to exit on its own and is not joined).
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	res := r.net
	if res == nil {
		res = net.DefaultResolver
	}

	type result struct {
		addrs []net.IPAddr
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		addrs, err := res.LookupIPAddr(ctx, host)
		ch <- result{addrs, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.NewResolverError(host, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewResolverError(host, ctx.Err())
			}
			return nil, errors.NewHostNotFound(host)
		}
		if len(res.addrs) == 0 {
			return nil, errors.NewHostNotFound(host)
		}
		ips := make([]net.IP, len(res.addrs))
		for i, a := range res.addrs {
			ips[i] = a.IP
		}
		return ips, nil
	}
}
