// Package body implements the decompression and charset-transcoding layers
// of the body codec stack. Framing (chunked/length/close) lives in pkg/flow,
// upstream of this package; body wraps the already-framed byte stream with
// the transforms that make the bytes usable to the caller.
package body

import (
	"bufio"
	"compress/gzip"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/arkveil/httpcore/pkg/errors"
)

// ContentEncoding names a recognized transfer compression.
type ContentEncoding string

const (
	EncodingNone    ContentEncoding = "none"
	EncodingGzip    ContentEncoding = "gzip"
	EncodingBrotli  ContentEncoding = "br"
	EncodingUnknown ContentEncoding = "unknown"
)

// ParseContentEncoding maps a Content-Encoding header value to the codecs this
// package knows how to transparently undo.
func ParseContentEncoding(header string) ContentEncoding {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "":
		return EncodingNone
	case "gzip", "x-gzip":
		return EncodingGzip
	case "br":
		return EncodingBrotli
	default:
		return EncodingUnknown
	}
}

// AcceptEncodingHeader lists the codecs this build advertises, in the order
// the agent prefers them.
func AcceptEncodingHeader() string {
	return "gzip, br"
}

// ParseContentType splits a Content-Type header into its mime type and an
// optional charset parameter, both lower-cased.
func ParseContentType(header string) (mimeType string, charset string) {
	if header == "" {
		return "", ""
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0])), ""
	}
	return strings.ToLower(mediaType), strings.ToLower(params["charset"])
}

// ResponseInfo captures the post-framing metadata a Body exposes once
// transparent decompression has made Content-Encoding/Content-Length
// meaningless.
type ResponseInfo struct {
	ContentEncoding ContentEncoding
	MimeType        string
	Charset         string
	WasDecompressed bool
}

// Decompress wraps r with the reader that undoes enc, or returns r unchanged
// for EncodingNone. EncodingUnknown is returned as-is: the caller sees the
// raw (still-encoded) bytes, matching "Content-Encoding ... recognized ...
// when the corresponding codec is compiled in" — unknown codecs pass through.
func Decompress(enc ContentEncoding, r io.Reader) (io.Reader, error) {
	switch enc {
	case EncodingNone, EncodingUnknown:
		return r, nil
	case EncodingGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.NewDecompress("gzip", err)
		}
		return gz, nil
	case EncodingBrotli:
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}

// Transcode wraps r with a charset-to-UTF-8 transform when charset names
// something other than UTF-8. Unknown charset names fall back to a lossy
// UTF-8 pass-through (replacing invalid sequences) rather than failing the
// read, since mislabeled charsets are common in the wild.
func Transcode(r io.Reader, charset string) io.Reader {
	charset = strings.TrimSpace(strings.ToLower(charset))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return r
	}
	enc, err := htmlindex.Get(charset)
	if err != nil || enc == nil {
		return lossyUTF8Reader(r)
	}
	return transform.NewReader(r, enc.NewDecoder())
}

// lossyUTF8Reader decodes r as UTF-8, replacing any invalid byte sequences
// with U+FFFD instead of erroring, for bodies whose declared charset could
// not be resolved to a known encoding.
func lossyUTF8Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.UTF8.NewDecoder())
}

// gzipBufSize sizes the bufio wrapper placed in front of brotli/gzip readers
// when the caller hands us an unbuffered source.
const gzipBufSize = 32 * 1024

// bufferedReader ensures small reads from the network don't thrash the
// decompressor with one-byte Read calls.
func bufferedReader(r io.Reader) io.Reader {
	if _, ok := r.(*bufio.Reader); ok {
		return r
	}
	return bufio.NewReaderSize(r, gzipBufSize)
}

// Body is the caller-facing response body: a layered reader over the raw,
// already-framed byte stream from pkg/flow, with decompression and charset
// transcoding applied.
type Body struct {
	raw    io.ReadCloser
	reader io.Reader
	info   ResponseInfo

	rawContentLength int64 // -1 when unknown (chunked/close-delimited)
}

// New builds a Body around the raw framed stream. rawContentLength is the
// declared Content-Length before any transform, or -1 if the framing was
// chunked or close-delimited.
func New(raw io.ReadCloser, contentEncodingHeader, contentTypeHeader string, rawContentLength int64) (*Body, error) {
	enc := ParseContentEncoding(contentEncodingHeader)
	mimeType, charset := ParseContentType(contentTypeHeader)

	var r io.Reader = raw
	decompressed, err := Decompress(enc, bufferedReader(r))
	if err != nil {
		return nil, err
	}
	wasDecompressed := decompressed != r && (enc == EncodingGzip || enc == EncodingBrotli)
	r = Transcode(decompressed, charset)

	return &Body{
		raw:    raw,
		reader: r,
		info: ResponseInfo{
			ContentEncoding: enc,
			MimeType:        mimeType,
			Charset:         charset,
			WasDecompressed: wasDecompressed,
		},
		rawContentLength: rawContentLength,
	}, nil
}

// Read implements io.Reader over the fully transformed byte stream.
func (b *Body) Read(p []byte) (int, error) { return b.reader.Read(p) }

// Close releases the underlying transport-backed reader.
func (b *Body) Close() error { return b.raw.Close() }

// Info returns the codec metadata for this body.
func (b *Body) Info() ResponseInfo { return b.info }

// ContentLength returns the declared byte length, or (0, false) once
// transparent decompression has made the original Content-Length meaningless:
// it no longer describes the decoded bytes the caller reads.
func (b *Body) ContentLength() (int64, bool) {
	if b.info.WasDecompressed || b.rawContentLength < 0 {
		return 0, false
	}
	return b.rawContentLength, true
}
