package flow

import (
	"io"
	"strconv"
	"time"

	"github.com/arkveil/httpcore/pkg/calltiming"
	"github.com/arkveil/httpcore/pkg/errors"
	"github.com/arkveil/httpcore/pkg/transport"
)

type chunkSub int

const (
	chunkAwaitSize chunkSub = iota
	chunkAwaitData
	chunkAwaitDataCRLF
	chunkAwaitTrailerEnd
	chunkFinished
)

// BodyReader pulls response-body bytes off a Transport according to the
// framing Flow decided in RecvResponse, implementing the chunked decoder and
// the length/close-delimited readers. It is the live half of the RecvBody
// phase.
type BodyReader struct {
	t       *transport.Transport
	timings *calltiming.CallTimings

	mode      BodyMode
	remaining int64 // LengthDelimited only

	sub            chunkSub
	chunkRemaining int64

	done              bool
	protocolViolation bool
}

// NewBodyReader constructs the reader for the response body Flow just
// framed. contentLength is ignored unless mode == LengthDelimited.
func NewBodyReader(t *transport.Transport, timings *calltiming.CallTimings, mode BodyMode, contentLength int64) *BodyReader {
	r := &BodyReader{t: t, timings: timings, mode: mode}
	switch mode {
	case NoBody:
		r.done = true
	case LengthDelimited:
		r.remaining = contentLength
		if r.remaining == 0 {
			r.done = true
		}
	case Chunked:
		r.sub = chunkAwaitSize
	case CloseDelimited:
	}
	return r
}

// MustCloseConnection reports whether the body is close-delimited or a
// framing or protocol violation was observed; either forces the connection
// to be closed rather than pooled.
func (r *BodyReader) MustCloseConnection() bool {
	return r.protocolViolation || r.mode == CloseDelimited
}

// Read implements io.Reader, blocking on the transport as needed.
func (r *BodyReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	switch r.mode {
	case LengthDelimited:
		return r.readLength(p)
	case Chunked:
		return r.readChunked(p)
	case CloseDelimited:
		return r.readUntilClose(p)
	default:
		r.done = true
		return 0, io.EOF
	}
}

// Close does not drain remaining bytes; closing before the body is fully
// read forces the connection to be discarded rather than pooled.
func (r *BodyReader) Close() error {
	if !r.done {
		r.protocolViolation = true
	}
	return nil
}

func (r *BodyReader) awaitMore() error {
	for {
		if r.t.Buf.CanUseInput() {
			return nil
		}
		deadline, reason := r.timings.NextTimeout(calltiming.PhaseRecvBody)
		if deadline <= 0 {
			return calltiming.TimeoutError(0, reason)
		}
		madeProgress, err := r.t.AwaitInput(time.Now().Add(deadline))
		if err != nil {
			return err
		}
		if madeProgress {
			return nil
		}
	}
}

func (r *BodyReader) readLength(p []byte) (int, error) {
	if r.t.Buf.Input() == nil || len(r.t.Buf.Input()) == 0 {
		if err := r.awaitMore(); err != nil {
			if errors.GetKind(err) == errors.KindDisconnected {
				r.protocolViolation = true
			}
			return 0, err
		}
	}
	avail := r.t.Buf.Input()
	n := int64(len(p))
	if n > r.remaining {
		n = r.remaining
	}
	if int64(len(avail)) < n {
		n = int64(len(avail))
	}
	copy(p, avail[:n])
	r.t.Buf.InputConsume(int(n))
	r.remaining -= n
	if r.remaining == 0 {
		r.done = true
	}
	if n == 0 {
		return 0, nil
	}
	return int(n), nil
}

func (r *BodyReader) readUntilClose(p []byte) (int, error) {
	if len(r.t.Buf.Input()) == 0 {
		if err := r.awaitMore(); err != nil {
			if errors.GetKind(err) == errors.KindDisconnected {
				r.done = true
				return 0, io.EOF
			}
			return 0, err
		}
	}
	avail := r.t.Buf.Input()
	n := len(p)
	if n > len(avail) {
		n = len(avail)
	}
	copy(p, avail[:n])
	r.t.Buf.InputConsume(n)
	return n, nil
}

// readChunked advances the chunk state machine, copying decoded payload
// bytes into p. It may need several Read calls to cross chunk boundaries.
func (r *BodyReader) readChunked(p []byte) (int, error) {
	for {
		switch r.sub {
		case chunkFinished:
			r.done = true
			return 0, io.EOF

		case chunkAwaitSize:
			line, err := r.readLine()
			if err != nil {
				return 0, err
			}
			if line == nil {
				continue // need more input
			}
			size, perr := parseChunkSize(line)
			if perr != nil {
				r.protocolViolation = true
				return 0, perr
			}
			if size == 0 {
				r.sub = chunkAwaitTrailerEnd
				continue
			}
			r.chunkRemaining = size
			r.sub = chunkAwaitData

		case chunkAwaitData:
			if len(r.t.Buf.Input()) == 0 {
				if err := r.awaitMore(); err != nil {
					if errors.GetKind(err) == errors.KindDisconnected {
						r.protocolViolation = true
					}
					return 0, err
				}
				continue
			}
			avail := r.t.Buf.Input()
			n := int64(len(p))
			if n > r.chunkRemaining {
				n = r.chunkRemaining
			}
			if int64(len(avail)) < n {
				n = int64(len(avail))
			}
			if n == 0 {
				continue
			}
			copy(p, avail[:n])
			r.t.Buf.InputConsume(int(n))
			r.chunkRemaining -= n
			if r.chunkRemaining == 0 {
				r.sub = chunkAwaitDataCRLF
			}
			return int(n), nil

		case chunkAwaitDataCRLF:
			line, err := r.readLine()
			if err != nil {
				return 0, err
			}
			if line == nil {
				continue
			}
			r.sub = chunkAwaitSize

		case chunkAwaitTrailerEnd:
			line, err := r.readLine()
			if err != nil {
				return 0, err
			}
			if line == nil {
				continue
			}
			if len(line) == 0 {
				r.sub = chunkFinished
			}
			// non-empty line here is a trailer header; ignored.
		}
	}
}

// readLine returns the next CRLF-terminated line from the transport's input
// (without the CRLF), consuming it; returns nil, nil if a full line isn't
// buffered yet (caller should await more input and retry).
func (r *BodyReader) readLine() ([]byte, error) {
	avail := r.t.Buf.Input()
	idx := indexCRLF(avail)
	if idx < 0 {
		// Record the stalled parse so awaitMore reads instead of returning
		// at once on the same partial line.
		r.t.Buf.InputConsume(0)
		if err := r.awaitMore(); err != nil {
			if errors.GetKind(err) == errors.KindDisconnected {
				r.protocolViolation = true
			}
			return nil, err
		}
		return nil, nil
	}
	line := make([]byte, idx)
	copy(line, avail[:idx])
	r.t.Buf.InputConsume(idx + 2)
	return line, nil
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	if i := indexByte([]byte(s), ';'); i >= 0 {
		s = s[:i]
	}
	s = trimSpaceASCII(s)
	if s == "" {
		return 0, errors.NewProtocolError("empty chunk size", nil)
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, errors.NewProtocolError("invalid chunk size: "+s, err)
	}
	return n, nil
}

func trimSpaceASCII(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
