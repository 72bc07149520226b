package flow

import (
	"net/url"
	"testing"
)

func redirectFlow(t *testing.T, method, reqURL string, status int, location string, withAuth bool) *Flow {
	t.Helper()
	u, err := url.Parse(reqURL)
	if err != nil {
		t.Fatalf("url.Parse error = %v", err)
	}
	h := NewHeaders()
	if withAuth {
		h.Set("Authorization", "Bearer token")
	}
	f := New(method, u, h)
	f.SetRequestBodyMode(LengthDelimited, 4)
	f.FinishPrepare()
	buf := make([]byte, 4096)
	f.WriteRequestHead(buf)
	f.FinishSendBody()

	respInput := []byte("HTTP/1.1 " + itoa(status) + " Redirect\r\nContent-Length: 0\r\nLocation: " + location + "\r\n\r\n")
	if _, ok, perr := f.TryParseResponse(respInput, 0); !ok || perr != nil {
		t.Fatalf("TryParseResponse failed: ok=%v err=%v", ok, perr)
	}
	f.EnterRedirectPhase()
	return f
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestIsRedirectStatus(t *testing.T) {
	for _, s := range []int{301, 302, 303, 307, 308} {
		if !IsRedirectStatus(s) {
			t.Errorf("IsRedirectStatus(%d) = false, want true", s)
		}
	}
	for _, s := range []int{200, 404, 500, 304} {
		if IsRedirectStatus(s) {
			t.Errorf("IsRedirectStatus(%d) = true, want false", s)
		}
	}
}

func TestNextRequestDowngradesMethodOn302(t *testing.T) {
	f := redirectFlow(t, "POST", "http://example.com/submit", 302, "/done", false)
	next, err := f.NextRequest(RedirectAuthNever, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if next.Method != "GET" {
		t.Fatalf("Method = %q, want GET after a 302 downgrade", next.Method)
	}
	if next.reqBodyMode != NoBody {
		t.Fatalf("reqBodyMode = %v, want NoBody after body is dropped", next.reqBodyMode)
	}
}

func TestNextRequestPreservesMethodAndBodyOn307(t *testing.T) {
	f := redirectFlow(t, "POST", "http://example.com/submit", 307, "/done", false)
	next, err := f.NextRequest(RedirectAuthNever, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if next.Method != "POST" {
		t.Fatalf("Method = %q, want POST preserved on a 307", next.Method)
	}
	mode, length := next.RequestBodyMode()
	if mode != LengthDelimited || length != 4 {
		t.Fatalf("RequestBodyMode() = (%v, %d), want (LengthDelimited, 4) preserved on a 307", mode, length)
	}
}

func TestNextRequestPreservesHeadOn301(t *testing.T) {
	f := redirectFlow(t, "HEAD", "http://example.com/page", 301, "/moved", false)
	next, err := f.NextRequest(RedirectAuthNever, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if next.Method != "HEAD" {
		t.Fatalf("Method = %q, want HEAD preserved on a 301", next.Method)
	}
}

func TestNextRequestDropsAuthorizationByDefault(t *testing.T) {
	f := redirectFlow(t, "GET", "http://example.com/a", 302, "http://example.com/b", true)
	next, err := f.NextRequest(RedirectAuthNever, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if _, ok := next.Headers.Get("Authorization"); ok {
		t.Fatalf("expected Authorization to be dropped under RedirectAuthNever")
	}
}

func TestNextRequestCarriesAuthorizationSameOrigin(t *testing.T) {
	f := redirectFlow(t, "GET", "http://example.com/a", 302, "http://example.com/b", true)
	next, err := f.NextRequest(RedirectAuthSameHost, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if v, ok := next.Headers.Get("Authorization"); !ok || v != "Bearer token" {
		t.Fatalf("expected Authorization to be carried to a same-origin redirect target")
	}
}

func TestNextRequestDropsAuthorizationCrossOrigin(t *testing.T) {
	f := redirectFlow(t, "GET", "http://example.com/a", 302, "http://other.com/b", true)
	next, err := f.NextRequest(RedirectAuthSameHost, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if _, ok := next.Headers.Get("Authorization"); ok {
		t.Fatalf("expected Authorization to be dropped when the redirect target is a different origin")
	}
}

func TestNextRequestBlocksHTTPSDowngrade(t *testing.T) {
	f := redirectFlow(t, "GET", "https://example.com/a", 302, "http://example.com/a", false)
	if _, err := f.NextRequest(RedirectAuthNever, true); err == nil {
		t.Fatalf("expected an error when httpsOnly blocks an https->http downgrade")
	}
}

func TestNextRequestAllowsHTTPSDowngradeWhenNotRestricted(t *testing.T) {
	f := redirectFlow(t, "GET", "https://example.com/a", 302, "http://example.com/a", false)
	if _, err := f.NextRequest(RedirectAuthNever, false); err != nil {
		t.Fatalf("NextRequest error = %v, want no error when httpsOnly is false", err)
	}
}

func TestNextRequestOutsideRedirectPhaseFails(t *testing.T) {
	u, _ := url.Parse("http://example.com/")
	f := New("GET", u, NewHeaders())
	if _, err := f.NextRequest(RedirectAuthNever, false); err == nil {
		t.Fatalf("expected an error when calling NextRequest outside the Redirect phase")
	}
}

func TestNextRequestMissingLocationFails(t *testing.T) {
	u, _ := url.Parse("http://example.com/a")
	f := New("GET", u, NewHeaders())
	f.FinishPrepare()
	buf := make([]byte, 4096)
	f.WriteRequestHead(buf)
	f.TryParseResponse([]byte("HTTP/1.1 302 Found\r\nContent-Length: 0\r\n\r\n"), 0)
	f.EnterRedirectPhase()
	if _, err := f.NextRequest(RedirectAuthNever, false); err == nil {
		t.Fatalf("expected an error when the response carries no Location header")
	}
}

func TestNextRequestDropsHostHeader(t *testing.T) {
	u, _ := url.Parse("http://example.com/a")
	h := NewHeaders()
	h.Set("Host", "example.com")
	f := New("GET", u, h)
	f.FinishPrepare()
	buf := make([]byte, 4096)
	f.WriteRequestHead(buf)
	f.TryParseResponse([]byte("HTTP/1.1 302 Found\r\nContent-Length: 0\r\nLocation: /b\r\n\r\n"), 0)
	f.EnterRedirectPhase()
	next, err := f.NextRequest(RedirectAuthNever, false)
	if err != nil {
		t.Fatalf("NextRequest error = %v", err)
	}
	if _, ok := next.Headers.Get("Host"); ok {
		t.Fatalf("expected the Host header to be dropped so the driver can set it fresh for the new target")
	}
}
