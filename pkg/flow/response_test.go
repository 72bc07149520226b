package flow

import (
	"net/url"
	"testing"
)

func newRecvResponseFlow(t *testing.T, method string) *Flow {
	t.Helper()
	u, err := url.Parse("http://example.com/")
	if err != nil {
		t.Fatalf("url.Parse error = %v", err)
	}
	f := New(method, u, NewHeaders())
	f.FinishPrepare()
	buf := make([]byte, 4096)
	f.WriteRequestHead(buf)
	if f.reqBodyMode != NoBody {
		f.FinishSendBody()
	}
	if f.phase != PhaseRecvResponse {
		t.Fatalf("setup failed: phase = %v, want PhaseRecvResponse", f.phase)
	}
	return f
}

func TestTryParseResponseComplete(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	consumed, ok, err := f.TryParseResponse(input, 0)
	if err != nil {
		t.Fatalf("TryParseResponse error = %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true for a complete head")
	}
	wantConsumed := len("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n")
	if consumed != wantConsumed {
		t.Fatalf("consumed = %d, want %d", consumed, wantConsumed)
	}
	if f.Status != 200 || f.StatusText != "OK" {
		t.Fatalf("Status/StatusText = %d/%q, want 200/OK", f.Status, f.StatusText)
	}
	if v, _ := f.RespHeaders.Get("Content-Length"); v != "5" {
		t.Fatalf("Content-Length header = %q, want 5", v)
	}
	if f.phase != PhaseRecvBody {
		t.Fatalf("phase = %v, want PhaseRecvBody", f.phase)
	}
}

func TestTryParseResponseIncomplete(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nContent-Len")

	consumed, ok, err := f.TryParseResponse(input, 0)
	if err != nil {
		t.Fatalf("TryParseResponse error = %v", err)
	}
	if ok || consumed != 0 {
		t.Fatalf("consumed=%d ok=%v, want consumed=0 ok=false on an incomplete head", consumed, ok)
	}
}

func TestTryParseResponseHeaderTooLarge(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := make([]byte, 100)
	for i := range input {
		input[i] = 'a'
	}

	_, ok, err := f.TryParseResponse(input, 50)
	if ok {
		t.Fatalf("expected ok=false when the header block exceeds maxHeaderSize")
	}
	if err == nil {
		t.Fatalf("expected an error when the header block exceeds maxHeaderSize")
	}
}

func TestTryParseResponseObsFoldContinuation(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nX-Long: first\r\n second\r\n\r\n")

	_, ok, err := f.TryParseResponse(input, 0)
	if err != nil {
		t.Fatalf("TryParseResponse error = %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	v, _ := f.RespHeaders.Get("X-Long")
	if v != "first second" {
		t.Fatalf("X-Long = %q, want %q", v, "first second")
	}
}

func TestTryParseResponseMalformedHeaderLine(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nNoColonHere\r\n\r\n")

	_, ok, err := f.TryParseResponse(input, 0)
	if ok || err == nil {
		t.Fatalf("expected a parse error for a header line with no colon")
	}
}

func TestParsePartialAtEOFAcceptsMissingTrailer(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nConnection: close")

	consumed, ok, err := f.ParsePartialAtEOF(input)
	if err != nil {
		t.Fatalf("ParsePartialAtEOF error = %v", err)
	}
	if !ok || consumed != len(input) {
		t.Fatalf("consumed=%d ok=%v, want consumed=%d ok=true", consumed, ok, len(input))
	}
}

func TestParsePartialAtEOFEmptyInput(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	_, ok, err := f.ParsePartialAtEOF(nil)
	if ok || err != nil {
		t.Fatalf("consumed/ok/err = _/%v/%v, want ok=false err=nil on empty input", ok, err)
	}
}

func TestDetermineResponseBodyModeChunkedBeatsContentLength(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\nTransfer-Encoding: chunked\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, _ := f.ResponseBodyMode()
	if mode != Chunked {
		t.Fatalf("ResponseBodyMode() = %v, want Chunked when both headers are present", mode)
	}
}

func TestDetermineResponseBodyModeContentLength(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, n := f.ResponseBodyMode()
	if mode != LengthDelimited || n != 42 {
		t.Fatalf("ResponseBodyMode() = (%v, %d), want (LengthDelimited, 42)", mode, n)
	}
}

func TestDetermineResponseBodyModeCloseDelimited(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 200 OK\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, n := f.ResponseBodyMode()
	if mode != CloseDelimited || n != -1 {
		t.Fatalf("ResponseBodyMode() = (%v, %d), want (CloseDelimited, -1)", mode, n)
	}
}

func TestDetermineResponseBodyModeHeadForcesNoBody(t *testing.T) {
	f := newRecvResponseFlow(t, "HEAD")
	input := []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, _ := f.ResponseBodyMode()
	if mode != NoBody {
		t.Fatalf("ResponseBodyMode() = %v, want NoBody for a HEAD response", mode)
	}
}

func TestDetermineResponseBodyMode204ForcesNoBody(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 204 No Content\r\nContent-Length: 100\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, _ := f.ResponseBodyMode()
	if mode != NoBody {
		t.Fatalf("ResponseBodyMode() = %v, want NoBody for a 204 response", mode)
	}
}

func TestDetermineResponseBodyMode304ForcesNoBody(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	input := []byte("HTTP/1.1 304 Not Modified\r\n\r\n")
	f.TryParseResponse(input, 0)

	mode, _ := f.ResponseBodyMode()
	if mode != NoBody {
		t.Fatalf("ResponseBodyMode() = %v, want NoBody for a 304 response", mode)
	}
}

func TestMustCloseConnectionCloseDelimited(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 200 OK\r\n\r\n"), 0)
	if !f.MustCloseConnection(false) {
		t.Fatalf("expected MustCloseConnection to be true for a close-delimited response")
	}
}

func TestMustCloseConnectionHTTP10WithoutKeepAlive(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"), 0)
	if !f.MustCloseConnection(false) {
		t.Fatalf("expected MustCloseConnection to be true for HTTP/1.0 without keep-alive")
	}
}

func TestMustCloseConnectionHTTP10WithKeepAlive(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.0 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n"), 0)
	if f.MustCloseConnection(false) {
		t.Fatalf("expected MustCloseConnection to be false for HTTP/1.0 with Connection: keep-alive")
	}
}

func TestMustCloseConnectionExplicitClose(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"), 0)
	if !f.MustCloseConnection(false) {
		t.Fatalf("expected MustCloseConnection to be true when the response sends Connection: close")
	}
}

func TestMustCloseConnectionProtocolErrorForcesClose(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"), 0)
	if !f.MustCloseConnection(true) {
		t.Fatalf("expected MustCloseConnection to be true once a protocol error was observed")
	}
}

func TestMustCloseConnectionKeepAliveDefault(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"), 0)
	if f.MustCloseConnection(false) {
		t.Fatalf("expected a default HTTP/1.1 response with Content-Length to allow reuse")
	}
}

func TestEnterRedirectPhase(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 302 Found\r\nContent-Length: 0\r\nLocation: /next\r\n\r\n"), 0)
	f.EnterRedirectPhase()
	if f.Phase() != PhaseRedirect {
		t.Fatalf("Phase() = %v, want PhaseRedirect", f.Phase())
	}
}

func TestEnterCleanupPhase(t *testing.T) {
	f := newRecvResponseFlow(t, "GET")
	f.TryParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"), 0)
	f.EnterCleanupPhase()
	if f.Phase() != PhaseCleanup {
		t.Fatalf("Phase() = %v, want PhaseCleanup", f.Phase())
	}
}
