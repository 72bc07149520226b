package flow

import (
	"io"
	"strconv"
	"time"

	"github.com/arkveil/httpcore/pkg/calltiming"
	"github.com/arkveil/httpcore/pkg/transport"
)

// BodyWriter drains a caller-supplied request body reader onto the
// transport according to the Flow's declared request body mode. For
// Chunked it reads into a scratch region sized to fit one encoded chunk
// inside the output buffer, then transmits; for LengthDelimited it reads
// directly into the output buffer.
type BodyWriter struct {
	f       *Flow
	t       *transport.Transport
	timings *calltiming.CallTimings
	src     io.Reader

	sent      int64
	finished  bool
}

// NewBodyWriter returns a BodyWriter for f's declared request body mode,
// reading from src until it returns io.EOF (LengthDelimited: until the
// declared length is reached).
func NewBodyWriter(f *Flow, t *transport.Transport, timings *calltiming.CallTimings, src io.Reader) *BodyWriter {
	return &BodyWriter{f: f, t: t, timings: timings, src: src}
}

// Run drives the body to completion, returning once every byte has been
// transmitted (or the declared length reached) and the flow has advanced to
// RecvResponse.
func (w *BodyWriter) Run() error {
	mode, length := w.f.RequestBodyMode()
	for !w.finished {
		if err := w.step(mode, length); err != nil {
			return err
		}
	}
	w.f.FinishSendBody()
	return nil
}

func (w *BodyWriter) step(mode BodyMode, length int64) error {
	switch mode {
	case Chunked:
		return w.stepChunked()
	case LengthDelimited:
		return w.stepLength(length)
	default:
		w.finished = true
		return nil
	}
}

// calculateMaxInput bounds how much of the caller's body we read per
// iteration so the chunk header + CRLFs always fit in the output buffer
// alongside the payload.
func calculateMaxInput(outputCapacity int) int {
	overhead := 2 + 16 + 2 + 2 // size hex digits (generous) + 2 CRLFs
	n := outputCapacity - overhead
	if n < 256 {
		n = 256
	}
	return n
}

func (w *BodyWriter) stepChunked() error {
	scratch := make([]byte, calculateMaxInput(len(w.t.Buf.Output())))
	n, err := w.src.Read(scratch)
	if n > 0 {
		if werr := w.encodeAndSendChunk(scratch[:n]); werr != nil {
			return werr
		}
	}
	if err == io.EOF {
		return w.sendFinalChunk()
	}
	if err != nil {
		return err
	}
	return nil
}

func (w *BodyWriter) encodeAndSendChunk(data []byte) error {
	dst := w.t.Buf.Output()
	hdr := strconv.FormatInt(int64(len(data)), 16)
	pos := 0
	pos += copy(dst[pos:], hdr)
	pos += copy(dst[pos:], "\r\n")
	pos += copy(dst[pos:], data)
	pos += copy(dst[pos:], "\r\n")
	w.t.Buf.OutputAppend(pos)
	w.sent += int64(len(data))
	return w.transmitAll()
}

func (w *BodyWriter) sendFinalChunk() error {
	dst := w.t.Buf.Output()
	pos := copy(dst, "0\r\n\r\n")
	w.t.Buf.OutputAppend(pos)
	if err := w.transmitAll(); err != nil {
		return err
	}
	w.finished = true
	return nil
}

func (w *BodyWriter) stepLength(length int64) error {
	if w.sent >= length {
		w.finished = true
		return nil
	}
	dst := w.t.Buf.Output()
	want := length - w.sent
	if want < int64(len(dst)) {
		dst = dst[:want]
	}
	n, err := w.src.Read(dst)
	if n > 0 {
		w.t.Buf.OutputAppend(n)
		w.sent += int64(n)
		if terr := w.transmitAll(); terr != nil {
			return terr
		}
	}
	if w.sent >= length {
		w.finished = true
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

func (w *BodyWriter) transmitAll() error {
	for len(w.t.Buf.OutputReady()) > 0 {
		deadline, reason := w.timings.NextTimeout(calltiming.PhaseSendBody)
		if deadline <= 0 {
			return calltiming.TimeoutError(0, reason)
		}
		if err := w.t.TransmitOutput(len(w.t.Buf.OutputReady()), time.Now().Add(deadline)); err != nil {
			return err
		}
	}
	return nil
}
