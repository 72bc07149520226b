package flow

import (
	"strconv"
	"strings"

	"github.com/arkveil/httpcore/pkg/errors"
)

// TryParseResponse attempts to parse a complete status line plus header
// block from the front of input. If the block isn't complete yet, consumed
// is 0 and ok is false with a nil error — the caller should wait for more
// input. allowPartial permits a response whose header block lacks the final
// CRLF terminator when the socket then closes; that variant is only
// attempted by the caller passing allowPartial=true once EOF has already
// been observed, via ParsePartialAtEOF.
func (f *Flow) TryParseResponse(input []byte, maxHeaderSize int) (consumed int, ok bool, err error) {
	if f.phase != PhaseRecvResponse {
		return 0, false, nil
	}

	end := indexHeaderEnd(input)
	if end < 0 {
		f.bytesInspected = len(input)
		if maxHeaderSize > 0 && f.bytesInspected > maxHeaderSize {
			return 0, false, errors.NewLargeResponseHeader(f.bytesInspected, maxHeaderSize)
		}
		return 0, false, nil
	}

	return f.parseHeadBlock(input, end, end+4)
}

// ParsePartialAtEOF retries parsing treating input as the entire remaining
// stream (peer already closed): a header block without the trailing blank
// line is accepted if it at least contains a complete status line and every
// header line is well-formed up to input's end.
func (f *Flow) ParsePartialAtEOF(input []byte) (consumed int, ok bool, err error) {
	if f.phase != PhaseRecvResponse {
		return 0, false, nil
	}
	if len(input) == 0 {
		return 0, false, nil
	}
	return f.parseHeadBlock(input, len(input), len(input))
}

func (f *Flow) parseHeadBlock(input []byte, headEnd, consumedTotal int) (int, bool, error) {
	head := input[:headEnd]
	lineEnd := indexCRLF(head)
	if lineEnd < 0 {
		lineEnd = len(head)
	}
	statusLine := string(head[:lineEnd])

	version, code, text, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, false, err
	}

	headers := NewHeaders()
	restStart := lineEnd + 2
	if restStart > len(head) {
		restStart = len(head)
	}
	if err := parseHeaderLines(head[restStart:], headers); err != nil {
		return 0, false, err
	}

	f.RespVersion = version
	f.Status = code
	f.StatusText = text
	f.RespHeaders = headers
	f.phase = PhaseRecvBody
	f.determineResponseBodyMode()
	return consumedTotal, true, nil
}

func parseStatusLine(line string) (version string, code int, text string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.NewProtocolError("malformed status line: "+line, nil)
	}
	version = parts[0]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return "", 0, "", errors.NewProtocolError("unsupported HTTP version: "+version, nil)
	}
	code, cerr := strconv.Atoi(parts[1])
	if cerr != nil {
		return "", 0, "", errors.NewProtocolError("non-numeric status code: "+parts[1], cerr)
	}
	if len(parts) == 3 {
		text = parts[2]
	}
	return version, code, text, nil
}

// parseHeaderLines parses RFC 7230 §3.2 header fields, with §3.2.4
// obs-fold continuation support (a line starting with SP or HTAB extends
// the previous header's value).
func parseHeaderLines(block []byte, out *Headers) error {
	lines := splitCRLFLines(block)
	var lastName string
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastName == "" {
				return errors.NewProtocolError("header continuation with no preceding header", nil)
			}
			v, _ := out.Get(lastName)
			out.Set(lastName, v+" "+strings.TrimSpace(string(line)))
			continue
		}
		colon := indexByte(line, ':')
		if colon < 0 {
			return errors.NewProtocolError("malformed header line: "+string(line), nil)
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if name == "" {
			return errors.NewProtocolError("empty header name", nil)
		}
		out.Add(name, value)
		lastName = name
	}
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func splitCRLFLines(block []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i+1 < len(block); i++ {
		if block[i] == '\r' && block[i+1] == '\n' {
			lines = append(lines, block[start:i])
			start = i + 2
			i++
		}
	}
	if start < len(block) {
		lines = append(lines, block[start:])
	}
	return lines
}

// determineResponseBodyMode applies the framing precedence: chunked, then
// Content-Length, then close-delimited, with HEAD/204/304 forced to NoBody
// regardless of headers.
func (f *Flow) determineResponseBodyMode() {
	if f.Method == "HEAD" || f.Status == 204 || f.Status == 304 || (f.Status >= 100 && f.Status < 200) {
		f.respBodyMode = NoBody
		return
	}

	if te, ok := f.RespHeaders.Get("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		f.respBodyMode = Chunked
		return
	}

	if cl, ok := f.RespHeaders.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			f.respBodyMode = LengthDelimited
			f.respContentLength = n
			return
		}
	}

	f.respBodyMode = CloseDelimited
	f.respContentLength = -1
}

// ResponseBodyMode returns the decided response framing and, for
// LengthDelimited, the declared length (-1 for CloseDelimited/unknown).
func (f *Flow) ResponseBodyMode() (BodyMode, int64) { return f.respBodyMode, f.respContentLength }

// MustCloseConnection reports whether the connection cannot be returned to
// the pool after this exchange.
func (f *Flow) MustCloseConnection(protocolErrorObserved bool) bool {
	if protocolErrorObserved {
		return true
	}
	if f.respBodyMode == CloseDelimited {
		return true
	}
	if strings.HasPrefix(f.RespVersion, "HTTP/1.0") && !f.RespHeaders.hasToken("Connection", "keep-alive") {
		return true
	}
	if f.RespHeaders.hasToken("Connection", "close") || f.Headers.hasToken("Connection", "close") {
		return true
	}
	return false
}

// EnterRedirectPhase transitions RecvBody -> Redirect; the driver calls this
// once it has decided the response is a redirect to follow.
func (f *Flow) EnterRedirectPhase() { f.phase = PhaseRedirect }

// EnterCleanupPhase transitions to Cleanup once no body is expected.
func (f *Flow) EnterCleanupPhase() { f.phase = PhaseCleanup }
