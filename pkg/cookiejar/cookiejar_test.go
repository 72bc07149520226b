package cookiejar

import (
	"net/url"
	"testing"
	"time"
)

func TestParseSetCookieBasic(t *testing.T) {
	c, err := ParseSetCookie("session=abc123; Path=/app; Domain=example.com; Secure")
	if err != nil {
		t.Fatalf("ParseSetCookie error = %v", err)
	}
	if c.Name != "session" || c.Value != "abc123" {
		t.Errorf("got name=%q value=%q, want session/abc123", c.Name, c.Value)
	}
	if c.Path != "/app" || c.Domain != "example.com" || !c.Secure {
		t.Errorf("attributes not parsed correctly: %+v", c)
	}
}

func TestParseSetCookieRejectsBadName(t *testing.T) {
	if _, err := ParseSetCookie("bad name=value"); err == nil {
		t.Errorf("expected an error for a name containing a space")
	}
}

func TestParseSetCookieRejectsBadValue(t *testing.T) {
	if _, err := ParseSetCookie("name=bad,value"); err == nil {
		t.Errorf("expected an error for a value containing a comma")
	}
}

func TestParseSetCookieMaxAgeZeroExpiresImmediately(t *testing.T) {
	c, err := ParseSetCookie("a=b; Max-Age=0")
	if err != nil {
		t.Fatalf("ParseSetCookie error = %v", err)
	}
	if !c.expired(time.Now()) {
		t.Errorf("expected Max-Age=0 to produce an already-expired cookie")
	}
}

func TestStoreDefaultsDomainAndPath(t *testing.T) {
	j := New()
	u, _ := url.Parse("https://example.com/a/b/c")
	if err := j.Store(u, "name=value"); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	all := j.All()
	if len(all) != 1 {
		t.Fatalf("len(All()) = %d, want 1", len(all))
	}
	if all[0].Domain != "example.com" || !all[0].HostOnly {
		t.Errorf("expected domain to default to the request host with HostOnly set, got %+v", all[0])
	}
	if all[0].Path != "/a/b" {
		t.Errorf("Path = %q, want %q", all[0].Path, "/a/b")
	}
}

func TestStoreReplacesSameNameAndPath(t *testing.T) {
	j := New()
	u, _ := url.Parse("https://example.com/")
	j.Store(u, "name=first")
	j.Store(u, "name=second")
	all := j.All()
	if len(all) != 1 || all[0].Value != "second" {
		t.Fatalf("expected the second Set-Cookie to replace the first, got %+v", all)
	}
}

func TestStoreDropsAlreadyExpiredCookie(t *testing.T) {
	j := New()
	u, _ := url.Parse("https://example.com/")
	j.Store(u, "name=value; Max-Age=0")
	if len(j.All()) != 0 {
		t.Errorf("expected an already-expired cookie not to be stored")
	}
}

func TestHeaderFiltersByDomainPathAndSecure(t *testing.T) {
	j := New()
	root, _ := url.Parse("https://example.com/")
	j.Store(root, "root=1; Path=/")
	j.Store(root, "app=1; Path=/app")
	j.Store(root, "secureonly=1; Path=/; Secure")
	other, _ := url.Parse("https://other.com/")
	j.Store(other, "foreign=1")

	httpsApp, _ := url.Parse("https://example.com/app/page")
	got := j.Header(httpsApp)
	if !containsPair(got, "app=1") || !containsPair(got, "root=1") || !containsPair(got, "secureonly=1") {
		t.Errorf("Header() = %q, missing an expected cookie", got)
	}
	if containsPair(got, "foreign=1") {
		t.Errorf("Header() = %q, should not include a cookie from another domain", got)
	}

	httpRoot, _ := url.Parse("http://example.com/")
	got2 := j.Header(httpRoot)
	if containsPair(got2, "secureonly=1") {
		t.Errorf("Header() over plain http = %q, should not include a Secure cookie", got2)
	}
	if containsPair(got2, "app=1") {
		t.Errorf("Header() for / should not include a cookie scoped to /app")
	}
}

func TestHeaderOrdersLongestPathFirst(t *testing.T) {
	j := New()
	u, _ := url.Parse("https://example.com/")
	j.Store(u, "short=1; Path=/")
	j.Store(u, "long=1; Path=/a/b")

	target, _ := url.Parse("https://example.com/a/b/c")
	got := j.Header(target)
	longIdx := indexOf(got, "long=1")
	shortIdx := indexOf(got, "short=1")
	if longIdx < 0 || shortIdx < 0 || longIdx > shortIdx {
		t.Errorf("Header() = %q, expected the longer-path cookie first", got)
	}
}

func TestHeaderEmptyWhenNothingMatches(t *testing.T) {
	j := New()
	u, _ := url.Parse("https://example.com/")
	if got := j.Header(u); got != "" {
		t.Errorf("Header() on an empty jar = %q, want \"\"", got)
	}
}

func containsPair(header, pair string) bool {
	return indexOf(header, pair) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
