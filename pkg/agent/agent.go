package agent

import (
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkveil/httpcore/pkg/body"
	"github.com/arkveil/httpcore/pkg/calltiming"
	"github.com/arkveil/httpcore/pkg/cookiejar"
	"github.com/arkveil/httpcore/pkg/errors"
	"github.com/arkveil/httpcore/pkg/flow"
	"github.com/arkveil/httpcore/pkg/pool"
	"github.com/arkveil/httpcore/pkg/resolver"
	"github.com/arkveil/httpcore/pkg/transport"
)

// Agent owns the process-wide state a request driver shares across calls:
// the connection pool, the resolver, and the cookie jar.
type Agent struct {
	Config   Config
	Pool     *pool.Pool
	Resolver *resolver.Resolver
	Jar      *cookiejar.Jar
}

// New builds an Agent, starting its connection pool's cleanup goroutine.
func New(cfg Config) *Agent {
	a := &Agent{
		Config: cfg,
		Pool: pool.New(pool.Config{
			MaxIdleAge:         cfg.MaxIdleAge,
			MaxIdleConnections: cfg.MaxIdleConnections,
			MaxIdlePerHost:     cfg.MaxIdleConnectionsPerHost,
		}),
		Resolver: resolver.New(),
	}
	if !cfg.DisableCookies {
		a.Jar = cookiejar.New()
	}
	return a
}

// Close shuts down the agent's connection pool.
func (a *Agent) Close() { a.Pool.Close() }

// Request is one prepared HTTP call.
type Request struct {
	Method  string
	URI     *url.URL
	Headers *flow.Headers
	Body    io.Reader

	BodyMode   flow.BodyMode
	BodyLength int64

	// ConfigOverride, if set, is used in place of the agent's Config for
	// this call only.
	ConfigOverride *Config
}

// Response is the driver's result: headers plus a lazily-read Body.
type Response struct {
	Status      int
	StatusText  string
	Version     string
	Headers     *flow.Headers
	Body        *body.Body
	FinalURI    *url.URL
	RedirectLog []*url.URL

	// TLSVersion and TLSCipherSuite report the negotiated handshake
	// parameters as human-readable names; both are empty for a plain http
	// call.
	TLSVersion     string
	TLSCipherSuite string
}

func (cfg Config) forRequest(req *Request) Config {
	if req.ConfigOverride != nil {
		return *req.ConfigOverride
	}
	return cfg
}

// Do is the driver entry point: resolves effective config, drives the
// redirect loop, and returns the final Response or Error.
func (a *Agent) Do(req *Request) (*Response, error) {
	cfg := a.Config.forRequest(req)
	timings := calltiming.New(cfg.Timeouts)

	currentMethod := req.Method
	currentURI := req.URI
	currentHeaders := req.Headers
	if currentHeaders == nil {
		currentHeaders = flow.NewHeaders()
	}
	currentBody := req.Body
	currentBodyMode := req.BodyMode
	currentBodyLength := req.BodyLength

	var history []*url.URL
	redirectCount := 0

	for {
		if timings.GlobalElapsed() {
			return nil, calltiming.TimeoutError(0, errors.ReasonGlobal)
		}

		f := flow.New(currentMethod, currentURI, currentHeaders)
		f.SetRequestBodyMode(currentBodyMode, currentBodyLength)

		result, err := a.executeOneCall(cfg, timings, f, currentBody)
		if err != nil {
			return nil, err
		}

		if result.redirect == nil {
			resp := result.response
			if cfg.SaveRedirectHistory {
				resp.RedirectLog = history
			}
			resp.FinalURI = currentURI
			if cfg.HTTPStatusAsError && (resp.Status >= 400 && resp.Status < 600) {
				return resp, errors.NewStatusCode(resp.Status)
			}
			return resp, nil
		}

		if redirectCount >= cfg.MaxRedirects {
			if cfg.MaxRedirectsDoError {
				return nil, errors.NewTooManyRedirects(cfg.MaxRedirects)
			}
			resp := result.response
			resp.FinalURI = currentURI
			if cfg.SaveRedirectHistory {
				resp.RedirectLog = history
			}
			return resp, nil
		}

		next, rerr := result.redirect.NextRequest(cfg.RedirectAuthHeaders, cfg.HTTPSOnly)
		if rerr != nil {
			return nil, rerr
		}

		history = append(history, currentURI)
		redirectCount++
		timings.ResetPerCall()

		currentMethod = next.Method
		currentURI = next.URI
		currentHeaders = next.Headers
		currentBodyMode, currentBodyLength = next.RequestBodyMode()
		if currentBodyMode == flow.NoBody {
			currentBody = nil
		}
	}
}

type callResult struct {
	response *Response
	redirect *flow.Flow
}

// executeOneCall drives f through Prepare..Cleanup/Redirect for one
// connection.
func (a *Agent) executeOneCall(cfg Config, timings *calltiming.CallTimings, f *flow.Flow, reqBody io.Reader) (*callResult, error) {
	if cfg.HTTPSOnly && f.URI.Scheme != "https" {
		return nil, errors.NewRequireHTTPSOnly(f.URI.String())
	}

	injectHeaders(a, cfg, f)

	if err := f.FinishPrepare(); err != nil {
		return nil, err
	}

	host := f.URI.Hostname()
	port := effectivePort(f.URI)

	timings.EnterPhase(calltiming.PhaseConnect)
	t, err := transport.Connect(transport.Config{
		Scheme:     f.URI.Scheme,
		Host:       host,
		Port:       port,
		Proxy:      cfg.Proxy,
		TLSConfig:  cfg.TLSConfig,
		TLSProfile: cfg.TLSProfile,
		NoDelay:    cfg.NoDelay,
		UserAgent:  cfg.UserAgent,
		Pool:       a.Pool,
		Resolver:   a.Resolver,
		Timings:    timings,
	})
	timings.ExitPhase(calltiming.PhaseConnect)
	if err != nil {
		return nil, err
	}
	if f.URI.Scheme == "https" && !t.IsTLS() {
		transport.Discard(t)
		return nil, errors.NewTLSRequired(host, port)
	}

	resp, flowResult, err := a.runOverConnection(cfg, timings, f, reqBody, t)
	if err != nil {
		transport.Discard(t)
		return nil, err
	}
	return &callResult{response: resp, redirect: flowResult}, nil
}

func effectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func injectHeaders(a *Agent, cfg Config, f *flow.Flow) {
	h := f.Headers

	if a.Jar != nil {
		if c := a.Jar.Header(f.URI); c != "" {
			h.SetIfAbsent("Cookie", c)
		}
	}
	h.SetIfAbsent("Accept-Encoding", body.AcceptEncodingHeader())
	h.SetIfAbsent("User-Agent", cfg.UserAgent)
	h.SetIfAbsent("Accept", "*/*")
	h.SetIfAbsent("Host", hostHeaderValue(f.URI))

	mode, length := f.RequestBodyMode()
	switch mode {
	case flow.LengthDelimited:
		h.SetIfAbsent("Content-Length", strconv.FormatInt(length, 10))
	case flow.Chunked:
		h.SetIfAbsent("Transfer-Encoding", "chunked")
	}
}

func hostHeaderValue(u *url.URL) string {
	if u.Port() == "" {
		return u.Hostname()
	}
	return u.Host
}

// runOverConnection sends the request, optionally waits for 100-continue,
// sends the body, receives the response head, and dispatches post-response.
func (a *Agent) runOverConnection(cfg Config, timings *calltiming.CallTimings, f *flow.Flow, reqBody io.Reader, t *transport.Transport) (*Response, *flow.Flow, error) {
	timings.EnterPhase(calltiming.PhaseSendRequest)
	if err := sendHead(timings, f, t); err != nil {
		timings.ExitPhase(calltiming.PhaseSendRequest)
		return nil, nil, err
	}
	timings.ExitPhase(calltiming.PhaseSendRequest)

	if f.Phase() == flow.PhaseAwait100 {
		timings.EnterPhase(calltiming.PhaseAwait100)
		err := awaitContinue(timings, f, t)
		timings.ExitPhase(calltiming.PhaseAwait100)
		if err != nil {
			return nil, nil, err
		}
	}

	if f.Phase() == flow.PhaseSendBody {
		timings.EnterPhase(calltiming.PhaseSendBody)
		bw := flow.NewBodyWriter(f, t, timings, emptyReaderIfNil(reqBody))
		err := bw.Run()
		timings.ExitPhase(calltiming.PhaseSendBody)
		if err != nil {
			return nil, nil, err
		}
	}

	timings.EnterPhase(calltiming.PhaseRecvResponse)
	allowPartial := a.Jar == nil && cfg.MaxRedirects > 0
	err := receiveResponseHead(cfg, timings, f, t, allowPartial)
	timings.ExitPhase(calltiming.PhaseRecvResponse)
	if err != nil {
		return nil, nil, err
	}

	captureCookies(a, f)

	respMode, respLen := f.ResponseBodyMode()
	br := flow.NewBodyReader(t, timings, respMode, respLen)

	resp := &Response{
		Status:     f.Status,
		StatusText: f.StatusText,
		Version:    f.RespVersion,
		Headers:    sanitizeHeaders(f.RespHeaders),
	}
	if version, cipher, _, ok := t.NegotiatedTLS(); ok {
		resp.TLSVersion = version
		resp.TLSCipherSuite = cipher
	}

	if flow.IsRedirectStatus(f.Status) {
		drainBody(br)
		mustClose := f.MustCloseConnection(br.MustCloseConnection())
		finalizeConnection(a, t, mustClose)
		f.EnterRedirectPhase()
		return resp, f, nil
	}

	contentEncoding, _ := f.RespHeaders.Get("Content-Encoding")
	contentType, _ := f.RespHeaders.Get("Content-Type")
	rawLen := int64(-1)
	if respMode == flow.LengthDelimited {
		rawLen = respLen
	}

	wrapped := &closeTrackingReader{br: br, onClose: func() {
		mustClose := f.MustCloseConnection(br.MustCloseConnection())
		finalizeConnection(a, t, mustClose)
	}}
	b, berr := body.New(wrapped, contentEncoding, contentType, rawLen)
	if berr != nil {
		transport.Discard(t)
		return nil, nil, berr
	}
	resp.Body = b

	f.EnterCleanupPhase()
	return resp, nil, nil
}

func emptyReaderIfNil(r io.Reader) io.Reader {
	if r == nil {
		return strings.NewReader("")
	}
	return r
}

// sendHead writes the request line and headers to the transport.
func sendHead(timings *calltiming.CallTimings, f *flow.Flow, t *transport.Transport) error {
	for {
		dst := t.Buf.Output()
		n, proceed := f.WriteRequestHead(dst)
		if n > 0 {
			t.Buf.OutputAppend(n)
		}
		if len(t.Buf.OutputReady()) > 0 {
			deadline, reason := timings.NextTimeout(calltiming.PhaseSendRequest)
			if deadline <= 0 {
				return calltiming.TimeoutError(0, reason)
			}
			if err := t.TransmitOutput(len(t.Buf.OutputReady()), time.Now().Add(deadline)); err != nil {
				return err
			}
		}
		if proceed {
			return nil
		}
	}
}

// awaitContinue waits up to the Await100 deadline for a 100 response,
// proceeding regardless on timeout.
func awaitContinue(timings *calltiming.CallTimings, f *flow.Flow, t *transport.Transport) error {
	for {
		if f.Phase() != flow.PhaseAwait100 {
			return nil
		}
		consumed, proceed, err := f.TryConsumeContinue(t.Buf.Input())
		if err != nil {
			return err
		}
		if consumed > 0 {
			t.Buf.InputConsume(consumed)
		}
		if proceed {
			return nil
		}

		deadline, _ := timings.NextTimeout(calltiming.PhaseAwait100)
		if deadline <= 0 {
			f.Await100Elapsed()
			return nil
		}
		madeProgress, err := t.AwaitInput(time.Now().Add(deadline))
		if err != nil {
			if errors.GetKind(err) == errors.KindDisconnected {
				return errors.NewDisconnected("await_100")
			}
			return err
		}
		if !madeProgress {
			f.Await100Elapsed()
			return nil
		}
	}
}

// receiveResponseHead loops await_input/try_response until the status line
// and headers parse.
func receiveResponseHead(cfg Config, timings *calltiming.CallTimings, f *flow.Flow, t *transport.Transport, allowPartial bool) error {
	for {
		consumed, ok, err := f.TryParseResponse(t.Buf.Input(), cfg.MaxResponseHeaderSize)
		if err != nil {
			return err
		}
		if ok {
			t.Buf.InputConsume(consumed)
			return nil
		}

		deadline, reason := timings.NextTimeout(calltiming.PhaseRecvResponse)
		if deadline <= 0 {
			return calltiming.TimeoutError(0, reason)
		}
		madeProgress, awaitErr := t.AwaitInput(time.Now().Add(deadline))
		if awaitErr != nil {
			if allowPartial && errors.GetKind(awaitErr) == errors.KindDisconnected {
				consumed, ok, perr := f.ParsePartialAtEOF(t.Buf.Input())
				if perr == nil && ok && flow.IsRedirectStatus(f.Status) {
					t.Buf.InputConsume(consumed)
					return nil
				}
			}
			return awaitErr
		}
		if !madeProgress {
			return calltiming.TimeoutError(deadline, reason)
		}
	}
}

func captureCookies(a *Agent, f *flow.Flow) {
	if a.Jar == nil {
		return
	}
	for _, sc := range f.RespHeaders.Values("Set-Cookie") {
		_ = a.Jar.Store(f.URI, sc)
	}
}

// sanitizeHeaders strips Content-Encoding/Content-Length once the body
// reader indicates transparent decompression will apply.
func sanitizeHeaders(h *flow.Headers) *flow.Headers {
	enc, _ := h.Get("Content-Encoding")
	ce := body.ParseContentEncoding(enc)
	if ce == body.EncodingGzip || ce == body.EncodingBrotli {
		out := h.Clone()
		out.Del("Content-Encoding")
		out.Del("Content-Length")
		return out
	}
	return h
}

func drainBody(br *flow.BodyReader) {
	buf := make([]byte, 4096)
	for {
		_, err := br.Read(buf)
		if err != nil {
			return
		}
	}
}

func finalizeConnection(a *Agent, t *transport.Transport, mustClose bool) {
	if mustClose {
		transport.Discard(t)
		return
	}
	transport.Release(a.Pool, t)
}

// closeTrackingReader adapts a *flow.BodyReader (io.Reader) plus its owning
// Transport's release logic into an io.ReadCloser for pkg/body. onClose runs
// exactly once, deciding whether the connection goes back to the pool.
type closeTrackingReader struct {
	br      *flow.BodyReader
	onClose func()
	closed  bool
}

func (c *closeTrackingReader) Read(p []byte) (int, error) { return c.br.Read(p) }

func (c *closeTrackingReader) Close() error {
	err := c.br.Close()
	if !c.closed {
		c.closed = true
		c.onClose()
	}
	return err
}
