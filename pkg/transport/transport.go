// Package transport implements the connector chain: pool lookup, optional
// SOCKS/CONNECT proxy hop, TCP dial with multi-address fallback, and TLS
// wrapping, producing a Transport the protocol state machine drives via
// TransmitOutput/AwaitInput.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/arkveil/httpcore/pkg/calltiming"
	"github.com/arkveil/httpcore/pkg/constants"
	"github.com/arkveil/httpcore/pkg/errors"
	"github.com/arkveil/httpcore/pkg/iobuf"
	"github.com/arkveil/httpcore/pkg/pool"
	"github.com/arkveil/httpcore/pkg/proxycfg"
	"github.com/arkveil/httpcore/pkg/resolver"
	"github.com/arkveil/httpcore/pkg/tlsconfig"
)

// Transport owns one live connection plus its duplex byte-region buffer.
// It is not safe for concurrent use.
type Transport struct {
	conn   net.Conn
	Buf    *iobuf.Buffers
	isTLS  bool
	key    pool.Key
	reused bool
}

// IsOpen reports whether the underlying connection hasn't been closed yet.
// There is no portable non-blocking "is this still connected" check short of
// attempting I/O, so this only tracks whether Close has been called locally.
func (t *Transport) IsOpen() bool { return t.conn != nil }

// IsTLS reports whether this transport is carrying a TLS session.
func (t *Transport) IsTLS() bool { return t.isTLS }

// NegotiatedTLS reports the handshake's negotiated protocol version and
// cipher suite as human-readable names, and whether that version is
// considered deprecated. ok is false for a non-TLS transport.
func (t *Transport) NegotiatedTLS() (version, cipher string, deprecated bool, ok bool) {
	tc, isTLSConn := t.conn.(*tls.Conn)
	if !isTLSConn {
		return "", "", false, false
	}
	state := tc.ConnectionState()
	return tlsconfig.GetVersionName(state.Version), tlsconfig.GetCipherSuiteName(state.CipherSuite), tlsconfig.IsVersionDeprecated(state.Version), true
}

// Reused reports whether this Transport was popped from the idle pool rather
// than freshly dialed.
func (t *Transport) Reused() bool { return t.reused }

// TransmitOutput writes the first n bytes of Buf.OutputReady() to the wire,
// honoring deadline, then consumes them from the buffer.
func (t *Transport) TransmitOutput(n int, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return errors.NewIOError("set_write_deadline", err)
	}
	ready := t.Buf.OutputReady()
	if n > len(ready) {
		n = len(ready)
	}
	written, err := t.conn.Write(ready[:n])
	t.Buf.OutputConsume(written)
	if err != nil {
		return classifyIOErr("send", err)
	}
	return nil
}

// AwaitInput blocks for at most until deadline waiting for fresh bytes,
// appending whatever arrives to Buf's input region. Returns false (with a
// nil error) on a deadline-only timeout so the caller can recompute
// NextTimeout and retry; returns a non-nil error on any other failure,
// including peer close.
func (t *Transport) AwaitInput(deadline time.Time) (bool, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return false, errors.NewIOError("set_read_deadline", err)
	}
	dst := t.Buf.InputAppendBuf()
	n, err := t.conn.Read(dst)
	if n > 0 {
		t.Buf.InputAppended(n)
		t.Buf.MarkFreshRead()
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		if err == io.EOF {
			return false, errors.NewDisconnected("recv")
		}
		return false, classifyIOErr("recv", err)
	}
	return true, nil
}

func classifyIOErr(op string, err error) error {
	if err == io.EOF {
		return errors.NewDisconnected(op)
	}
	return errors.NewIOError(op, err)
}

// Close closes the underlying connection unconditionally.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Config bundles everything Connect needs to establish or reuse a connection
// for one target.
type Config struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int

	Proxy     *proxycfg.Proxy
	TLSConfig *tls.Config // caller-owned template; cloned per connection

	CustomSNI  string
	DisableSNI bool

	// NoDelay controls TCP_NODELAY on freshly dialed connections. Disabling
	// it lets the kernel coalesce small writes (Nagle's algorithm) at the
	// cost of latency; most HTTP clients want it enabled.
	NoDelay bool

	// TLSProfile bounds the TLS version range and picks the matching cipher
	// suite list for the handshake. Ignored if TLSConfig already pins its
	// own MinVersion/MaxVersion. Zero value falls back to tlsconfig.ProfileSecure.
	TLSProfile tlsconfig.VersionProfile

	// UserAgent is sent on the CONNECT request itself when tunneling through
	// an HTTP proxy; it has no bearing on the eventual request's own
	// User-Agent header.
	UserAgent string

	Pool     *pool.Pool
	Resolver *resolver.Resolver
	Timings  *calltiming.CallTimings
}

// Connect returns a Transport for cfg, reusing a pooled connection when one
// is available and otherwise dialing a fresh one through the connector
// chain: proxy hop (if any), TCP, then TLS (if scheme is https).
func Connect(cfg Config) (*Transport, error) {
	key := poolKey(cfg)

	if cfg.Pool != nil {
		if conn, ok := cfg.Pool.Get(key); ok {
			return &Transport{
				conn:   conn,
				Buf:    iobuf.New(constants.DefaultOutputBufferSize, constants.DefaultInputBufferSize),
				isTLS:  cfg.Scheme == "https",
				key:    key,
				reused: true,
			}, nil
		}
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}

	isTLS := false
	if cfg.Scheme == "https" {
		tconn, err := wrapTLS(conn, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tconn
		isTLS = true
	}

	return &Transport{
		conn:  conn,
		Buf:   iobuf.New(constants.DefaultOutputBufferSize, constants.DefaultInputBufferSize),
		isTLS: isTLS,
		key:   key,
	}, nil
}

// NewFromConn wraps an already-established connection in a Transport,
// bypassing the connector chain entirely. Used for protocols that hand the
// caller a ready socket out of band (a proxy CONNECT tunnel that was
// negotiated elsewhere) and by tests driving the protocol state machine over
// an in-memory pipe.
func NewFromConn(conn net.Conn, isTLS bool) *Transport {
	return &Transport{
		conn:  conn,
		Buf:   iobuf.New(constants.DefaultOutputBufferSize, constants.DefaultInputBufferSize),
		isTLS: isTLS,
	}
}

// Release returns t's connection to the pool (if one was configured),
// provided it's still a plausible keep-alive candidate. Callers that know
// the connection is unusable (protocol violation, non-keep-alive response)
// must call Discard instead.
func Release(p *pool.Pool, t *Transport) {
	if p == nil || t.conn == nil {
		return
	}
	conn := t.conn
	t.conn = nil
	p.Put(t.key, conn)
}

// Discard closes t's connection without pooling it.
func Discard(t *Transport) {
	t.Close()
}

func poolKey(cfg Config) pool.Key {
	proxyAddr := ""
	if cfg.Proxy != nil {
		proxyAddr = cfg.Proxy.URI.Host
	}
	return pool.Key{Scheme: cfg.Scheme, Host: cfg.Host, Port: cfg.Port, ProxyAddr: proxyAddr}
}

func dial(cfg Config) (net.Conn, error) {
	if cfg.Proxy == nil || (cfg.Proxy.NoProxy != nil && cfg.Proxy.NoProxy.Matches(cfg.Host)) {
		return dialDirect(cfg, cfg.Host, cfg.Port)
	}

	switch cfg.Proxy.Protocol {
	case proxycfg.ProtocolSocks5:
		return dialSocks5(cfg)
	case proxycfg.ProtocolSocks4, proxycfg.ProtocolSocks4A:
		return dialSocks4(cfg)
	case proxycfg.ProtocolHTTPConnect, proxycfg.ProtocolHTTPSConnect:
		return dialHTTPConnect(cfg)
	default:
		return nil, errors.NewConnectionFailed(cfg.Host, cfg.Port, fmt.Errorf("unsupported proxy protocol %q", cfg.Proxy.Protocol))
	}
}

// dialDirect resolves host to one or more addresses and tries them in order,
// advancing to the next candidate on connection refused/unreachable.
func dialDirect(cfg Config, host string, port int) (net.Conn, error) {
	var addrs []net.IP
	if cfg.Resolver != nil {
		timeout := constants.DefaultResolveTimeout
		if cfg.Timings != nil {
			if d, _ := cfg.Timings.NextTimeout(calltiming.PhaseResolve); d > 0 && d < timeout {
				timeout = d
			}
		}
		ctx, cancel := deadlineCtx(timeout)
		defer cancel()
		ips, err := cfg.Resolver.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		addrs = ips
	} else if ip := net.ParseIP(host); ip != nil {
		addrs = []net.IP{ip}
	} else {
		return nil, errors.NewHostNotFound(host)
	}

	connectTimeout := constants.DefaultConnectTimeout
	if cfg.Timings != nil {
		if d, _ := cfg.Timings.NextTimeout(calltiming.PhaseConnect); d > 0 && d < connectTimeout {
			connectTimeout = d
		}
	}

	var lastErr error
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetKeepAlive(true)
				tc.SetKeepAlivePeriod(30 * time.Second)
				tc.SetNoDelay(cfg.NoDelay)
			}
			return conn, nil
		}
		lastErr = err
		if !isRefusedOrUnreachable(err) {
			break
		}
	}
	return nil, errors.NewConnectionFailed(host, port, lastErr)
}

func isRefusedOrUnreachable(err error) bool {
	var opErr *net.OpError
	if e, ok := err.(*net.OpError); ok {
		opErr = e
	}
	if opErr == nil {
		return false
	}
	msg := opErr.Err.Error()
	for _, sub := range []string{"connection refused", "no route to host", "network is unreachable"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func deadlineCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func wrapTLS(conn net.Conn, cfg Config) (net.Conn, error) {
	tc := &tls.Config{}
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	}
	tlsconfig.ConfigureSNI(tc, cfg.Host, cfg.CustomSNI, cfg.DisableSNI)

	if tc.MinVersion == 0 && tc.MaxVersion == 0 {
		profile := cfg.TLSProfile
		if (profile == tlsconfig.VersionProfile{}) {
			profile = tlsconfig.ProfileSecure
		}
		tlsconfig.ApplyVersionProfile(tc, profile)
		if tc.CipherSuites == nil {
			tlsconfig.ApplyCipherSuites(tc, profile.Min)
		}
	}

	tlsConn := tls.Client(conn, tc)
	if err := tlsConn.Handshake(); err != nil {
		return nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
	}
	return tlsConn, nil
}

// dialSocks5 delegates to golang.org/x/net/proxy, which implements the full
// SOCKS5 handshake including username/password auth.
func dialSocks5(cfg Config) (net.Conn, error) {
	var auth *xproxy.Auth
	if cfg.Proxy.Username != "" {
		auth = &xproxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", cfg.Proxy.URI.Host, auth, xproxy.Direct)
	if err != nil {
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}
	return conn, nil
}

// dialSocks4 speaks the SOCKS4/4a CONNECT request directly: the protocol
// predates any standard library support.
func dialSocks4(cfg Config) (net.Conn, error) {
	proxyConn, err := dialDirect(cfg, cfg.Proxy.URI.Hostname(), mustPort(cfg.Proxy.URI.Port()))
	if err != nil {
		return nil, err
	}

	req := []byte{0x04, 0x01} // version 4, CONNECT
	req = append(req, byte(cfg.Port>>8), byte(cfg.Port))

	useRemoteResolve := cfg.Proxy.Protocol == proxycfg.ProtocolSocks4A
	var targetIP net.IP
	if !useRemoteResolve {
		if ip := net.ParseIP(cfg.Host); ip != nil {
			targetIP = ip.To4()
		} else if cfg.Resolver != nil {
			ctx, cancel := deadlineCtx(constants.DefaultResolveTimeout)
			ips, rerr := cfg.Resolver.Resolve(ctx, cfg.Host)
			cancel()
			if rerr != nil {
				proxyConn.Close()
				return nil, rerr
			}
			targetIP = ips[0].To4()
		}
	}

	if targetIP != nil {
		req = append(req, targetIP...)
	} else {
		// SOCKS4a: invalid IP (0.0.0.1) signals the proxy to resolve the
		// hostname itself, which is appended after the null-terminated userid.
		req = append(req, 0, 0, 0, 1)
	}
	req = append(req, 0) // empty userid, null-terminated
	if targetIP == nil {
		req = append(req, []byte(cfg.Host)...)
		req = append(req, 0)
	}

	if _, err := proxyConn.Write(req); err != nil {
		proxyConn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(proxyConn, resp); err != nil {
		proxyConn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}
	if resp[1] != 0x5A {
		proxyConn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, fmt.Sprintf("SOCKS4 request rejected, code 0x%02x", resp[1]))
	}
	return proxyConn, nil
}

func mustPort(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// dialHTTPConnect tunnels through an HTTP proxy using the CONNECT method,
// optionally under TLS when the proxy scheme is https.
func dialHTTPConnect(cfg Config) (net.Conn, error) {
	proxyHost := cfg.Proxy.URI.Hostname()
	proxyPort := mustPort(cfg.Proxy.URI.Port())

	conn, err := dialDirect(cfg, proxyHost, proxyPort)
	if err != nil {
		return nil, err
	}

	if cfg.Proxy.Protocol == proxycfg.ProtocolHTTPSConnect {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyHost})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, errors.NewTLSError(proxyHost, proxyPort, err)
		}
		conn = tlsConn
	}

	target := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = constants.DefaultUserAgent
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nProxy-Connection: Keep-Alive\r\n", target, target, userAgent)
	if cfg.Proxy.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Proxy.Username + ":" + cfg.Proxy.Password))
		req += "Proxy-Authorization: Basic " + creds + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
	}
	if len(statusLine) < 12 || statusLine[9] != '2' {
		conn.Close()
		return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, "CONNECT refused: "+statusLine)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.NewConnectProxyFailed(cfg.Proxy.URI.Host, err.Error())
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: reader}, nil
	}
	return conn, nil
}

// bufferedConn retains a bufio.Reader's lookahead so bytes the proxy sent
// immediately after the CONNECT response headers (pipelined with the TLS
// ServerHello, in practice never but kept for correctness) aren't dropped.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
