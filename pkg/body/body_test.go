package body

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestParseContentEncoding(t *testing.T) {
	cases := []struct {
		header string
		want   ContentEncoding
	}{
		{"", EncodingNone},
		{"gzip", EncodingGzip},
		{"X-GZIP", EncodingGzip},
		{"br", EncodingBrotli},
		{"deflate", EncodingUnknown},
	}
	for _, c := range cases {
		if got := ParseContentEncoding(c.header); got != c.want {
			t.Errorf("ParseContentEncoding(%q) = %v, want %v", c.header, got, c.want)
		}
	}
}

func TestParseContentType(t *testing.T) {
	mimeType, charset := ParseContentType("Text/HTML; charset=UTF-8")
	if mimeType != "text/html" || charset != "utf-8" {
		t.Fatalf("got (%q, %q), want (text/html, utf-8)", mimeType, charset)
	}
}

func TestParseContentTypeNoCharset(t *testing.T) {
	mimeType, charset := ParseContentType("application/json")
	if mimeType != "application/json" || charset != "" {
		t.Fatalf("got (%q, %q), want (application/json, \"\")", mimeType, charset)
	}
}

func TestParseContentTypeMalformedFallsBack(t *testing.T) {
	mimeType, _ := ParseContentType("not a valid;;; media type")
	if mimeType != "not a valid" {
		t.Fatalf("ParseContentType fallback = %q, want %q", mimeType, "not a valid")
	}
}

func TestParseContentTypeEmpty(t *testing.T) {
	mimeType, charset := ParseContentType("")
	if mimeType != "" || charset != "" {
		t.Fatalf("got (%q, %q), want (\"\", \"\")", mimeType, charset)
	}
}

func TestAcceptEncodingHeader(t *testing.T) {
	if got := AcceptEncodingHeader(); got != "gzip, br" {
		t.Fatalf("AcceptEncodingHeader() = %q, want %q", got, "gzip, br")
	}
}

func gzipCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatalf("gzip write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close error = %v", err)
	}
	return buf.Bytes()
}

func brotliCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatalf("brotli write error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("brotli close error = %v", err)
	}
	return buf.Bytes()
}

func TestDecompressNone(t *testing.T) {
	src := bytes.NewReader([]byte("plain text"))
	r, err := Decompress(EncodingNone, src)
	if err != nil {
		t.Fatalf("Decompress error = %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "plain text" {
		t.Fatalf("got %q, want %q", got, "plain text")
	}
}

func TestDecompressUnknownPassesThrough(t *testing.T) {
	src := bytes.NewReader([]byte("raw bytes"))
	r, err := Decompress(EncodingUnknown, src)
	if err != nil {
		t.Fatalf("Decompress error = %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "raw bytes" {
		t.Fatalf("got %q, want %q", got, "raw bytes")
	}
}

func TestDecompressGzip(t *testing.T) {
	compressed := gzipCompress(t, "hello gzip")
	r, err := Decompress(EncodingGzip, bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("Decompress error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "hello gzip" {
		t.Fatalf("got %q, want %q", got, "hello gzip")
	}
}

func TestDecompressGzipInvalidData(t *testing.T) {
	_, err := Decompress(EncodingGzip, bytes.NewReader([]byte("not gzip data")))
	if err == nil {
		t.Fatalf("expected an error decompressing non-gzip data")
	}
}

func TestDecompressBrotli(t *testing.T) {
	compressed := brotliCompress(t, "hello brotli")
	r, err := Decompress(EncodingBrotli, bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("Decompress error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "hello brotli" {
		t.Fatalf("got %q, want %q", got, "hello brotli")
	}
}

func TestTranscodeUTF8PassThrough(t *testing.T) {
	src := bytes.NewReader([]byte("héllo"))
	r := Transcode(src, "utf-8")
	got, _ := io.ReadAll(r)
	if string(got) != "héllo" {
		t.Fatalf("got %q, want unchanged input", got)
	}
}

func TestTranscodeEmptyCharsetPassThrough(t *testing.T) {
	src := bytes.NewReader([]byte("abc"))
	r := Transcode(src, "")
	got, _ := io.ReadAll(r)
	if string(got) != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}

func TestTranscodeKnownCharset(t *testing.T) {
	// 0xE9 is 'é' in ISO-8859-1.
	src := bytes.NewReader([]byte{0xE9})
	r := Transcode(src, "iso-8859-1")
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "é" {
		t.Fatalf("got %q, want %q", got, "é")
	}
}

func TestTranscodeUnknownCharsetFallsBackLossy(t *testing.T) {
	src := bytes.NewReader([]byte("ascii only"))
	r := Transcode(src, "made-up-charset-xyz")
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "ascii only" {
		t.Fatalf("got %q, want %q", got, "ascii only")
	}
}

func TestBodyNewDecompressesAndReports(t *testing.T) {
	compressed := gzipCompress(t, "decoded body")
	b, err := New(io.NopCloser(bytes.NewReader(compressed)), "gzip", "text/plain; charset=utf-8", int64(len(compressed)))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(got) != "decoded body" {
		t.Fatalf("got %q, want %q", got, "decoded body")
	}
	info := b.Info()
	if !info.WasDecompressed || info.ContentEncoding != EncodingGzip {
		t.Fatalf("Info() = %+v, want WasDecompressed=true ContentEncoding=gzip", info)
	}
	if _, ok := b.ContentLength(); ok {
		t.Fatalf("ContentLength() ok=true after decompression, want false")
	}
}

func TestBodyNewNoEncodingKeepsContentLength(t *testing.T) {
	b, err := New(io.NopCloser(bytes.NewReader([]byte("plain"))), "", "text/plain", 5)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	n, ok := b.ContentLength()
	if !ok || n != 5 {
		t.Fatalf("ContentLength() = (%d, %v), want (5, true) when nothing was decompressed", n, ok)
	}
}

func TestBodyNewUnknownContentLengthReportsFalse(t *testing.T) {
	b, err := New(io.NopCloser(bytes.NewReader([]byte("x"))), "", "text/plain", -1)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if _, ok := b.ContentLength(); ok {
		t.Fatalf("ContentLength() ok=true for an unknown (-1) length, want false")
	}
}

type closeTrackingReader struct {
	*bytes.Reader
	closed *bool
}

func (c closeTrackingReader) Close() error {
	*c.closed = true
	return nil
}

func TestBodyCloseDelegatesToRaw(t *testing.T) {
	closed := false
	raw := closeTrackingReader{Reader: bytes.NewReader([]byte("x")), closed: &closed}
	b, err := New(raw, "", "text/plain", 1)
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !closed {
		t.Fatalf("expected Body.Close to close the underlying raw reader")
	}
}
