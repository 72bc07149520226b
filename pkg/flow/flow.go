// Package flow implements the protocol state machine: it sequences one
// HTTP/1.1 exchange through its phases, serializes the request, parses the
// response head, and decides response framing. Byte-level body transfer is
// delegated to BodyReader and BodyWriter, which this package also provides.
package flow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/arkveil/httpcore/pkg/errors"
)

// Phase names where in the exchange a Flow currently is. Transitions are
// one-way through this list.
type Phase int

const (
	PhasePrepare Phase = iota
	PhaseSendRequest
	PhaseAwait100
	PhaseSendBody
	PhaseRecvResponse
	PhaseRecvBody
	PhaseRedirect
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "prepare"
	case PhaseSendRequest:
		return "send_request"
	case PhaseAwait100:
		return "await_100"
	case PhaseSendBody:
		return "send_body"
	case PhaseRecvResponse:
		return "recv_response"
	case PhaseRecvBody:
		return "recv_body"
	case PhaseRedirect:
		return "redirect"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// BodyMode names the framing rule for a request or response body.
type BodyMode int

const (
	NoBody BodyMode = iota
	LengthDelimited
	Chunked
	CloseDelimited
)

// Flow carries all per-call state of one HTTP/1.1 exchange.
type Flow struct {
	phase Phase

	Method  string
	URI     *url.URL
	Version string // always "HTTP/1.1" on the wire we emit

	Headers *Headers

	reqBodyMode BodyMode
	reqBodyLen  int64

	serialized []byte
	cursor     int

	await100Buf []byte

	// response state, populated once RecvResponse completes
	Status      int
	StatusText  string
	RespVersion string
	RespHeaders *Headers

	bytesInspected int

	respBodyMode      BodyMode
	respContentLength int64
}

// New starts a Flow in Prepare for one request.
func New(method string, uri *url.URL, headers *Headers) *Flow {
	if headers == nil {
		headers = NewHeaders()
	}
	return &Flow{
		phase:   PhasePrepare,
		Method:  strings.ToUpper(method),
		URI:     uri,
		Version: "HTTP/1.1",
		Headers: headers,
	}
}

// Phase returns the current phase.
func (f *Flow) Phase() Phase { return f.phase }

// SetRequestBodyMode records how the outgoing body is framed, to be called
// before FinishPrepare so the Content-Length or Transfer-Encoding header it
// writes matches the body that will actually be sent.
func (f *Flow) SetRequestBodyMode(mode BodyMode, length int64) {
	f.reqBodyMode = mode
	f.reqBodyLen = length
}

// ExpectsContinue reports whether the caller set Expect: 100-continue.
func (f *Flow) ExpectsContinue() bool {
	return f.Headers.hasToken("Expect", "100-continue")
}

// FinishPrepare finalizes headers, serializes the request line and header
// block, and transitions Prepare -> SendRequest. It is an error to mutate
// Headers after this call.
func (f *Flow) FinishPrepare() error {
	if f.phase != PhasePrepare {
		return fmt.Errorf("flow: FinishPrepare called in phase %s", f.phase)
	}

	target := requestTarget(f.URI)
	var b strings.Builder
	b.WriteString(f.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteByte(' ')
	b.WriteString(f.Version)
	b.WriteString("\r\n")

	f.Headers.Each(func(name, value string) {
		if strings.ContainsAny(name, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})
	b.WriteString("\r\n")

	f.serialized = []byte(b.String())
	f.cursor = 0
	f.phase = PhaseSendRequest
	return nil
}

// requestTarget returns the absolute-path request target for origin requests.
func requestTarget(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// ConnectTarget returns the literal "host:port" form used by a CONNECT
// request line.
func ConnectTarget(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// WriteRequestHead copies as much of the serialized request line/headers as
// fits in dst, advancing the internal cursor. proceed is true once every
// byte has been copied, at which point the phase advances to Await100 (if
// Expect: 100-continue was set) or SendBody/RecvResponse depending on the
// declared body mode.
func (f *Flow) WriteRequestHead(dst []byte) (n int, proceed bool) {
	if f.phase != PhaseSendRequest {
		return 0, true
	}
	n = copy(dst, f.serialized[f.cursor:])
	f.cursor += n
	if f.cursor < len(f.serialized) {
		return n, false
	}

	switch {
	case f.ExpectsContinue():
		f.phase = PhaseAwait100
	case f.reqBodyMode == NoBody:
		f.phase = PhaseRecvResponse
	default:
		f.phase = PhaseSendBody
	}
	return n, true
}

// TryConsumeContinue looks for a complete "HTTP/1.1 100 Continue\r\n...\r\n"
// interim response at the front of input. consumed is how many bytes of
// input were part of it (0 if incomplete); proceed is true once parsed (or
// once the caller has decided to stop waiting and move on regardless).
func (f *Flow) TryConsumeContinue(input []byte) (consumed int, proceed bool, err error) {
	idx := indexHeaderEnd(input)
	if idx < 0 {
		return 0, false, nil
	}
	head := input[:idx]
	lineEnd := indexCRLF(head)
	if lineEnd < 0 {
		lineEnd = len(head) // status line with no headers after it
	}
	statusLine := string(head[:lineEnd])
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, false, errors.NewProtocolError("malformed interim response status line", nil)
	}
	code, cerr := strconv.Atoi(parts[1])
	if cerr != nil {
		return 0, false, errors.NewProtocolError("non-numeric interim status code", cerr)
	}

	total := idx + 4 // header block plus the terminating CRLF CRLF
	if code != 100 {
		// Any other 1xx is consumed and ignored the same way; only a final
		// response (>=200) ends the Await100 wait, handled by the caller
		// noticing code is not in 1xx range and stopping at that point.
		if code >= 200 {
			return 0, true, nil
		}
	}
	f.advanceToSendBodyOrRecv()
	return total, true, nil
}

func (f *Flow) advanceToSendBodyOrRecv() {
	if f.reqBodyMode == NoBody {
		f.phase = PhaseRecvResponse
	} else {
		f.phase = PhaseSendBody
	}
}

// Await100Elapsed moves the flow on from Await100 without having seen a 100
// response, which is not an error.
func (f *Flow) Await100Elapsed() {
	if f.phase == PhaseAwait100 {
		f.advanceToSendBodyOrRecv()
	}
}

// RequestBodyMode returns the declared outgoing body mode and, for LengthDelimited,
// its total length.
func (f *Flow) RequestBodyMode() (BodyMode, int64) { return f.reqBodyMode, f.reqBodyLen }

// FinishSendBody transitions SendBody -> RecvResponse once the body writer
// reports it has sent everything.
func (f *Flow) FinishSendBody() {
	if f.phase == PhaseSendBody {
		f.phase = PhaseRecvResponse
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// indexHeaderEnd finds the offset of the blank line terminating a header
// block (the start of "\r\n\r\n"), or -1 if not yet present.
func indexHeaderEnd(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}
