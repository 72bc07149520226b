// Package iobuf implements the duplex input/output byte-region buffer that
// every Transport owns. It is a pair of growable regions: one the protocol
// state machine fills before the bytes are written to the wire, one the
// socket fills before the state machine parses it.
package iobuf

// Buffers is the input/output byte-region pair a Transport exposes. It is not
// safe for concurrent use: a Transport (and therefore its Buffers) is owned by
// exactly one goroutine for the duration of one HTTP exchange.
type Buffers struct {
	out    []byte
	outLen int

	in       []byte
	inStart  int
	inEnd    int
	lastConsumeProgress bool
}

// New allocates a Buffers with the given output/input capacities. Capacities
// are starting sizes only — both regions grow on demand.
func New(outputSize, inputSize int) *Buffers {
	if outputSize <= 0 {
		outputSize = 4096
	}
	if inputSize <= 0 {
		inputSize = 4096
	}
	return &Buffers{
		out: make([]byte, 0, outputSize),
		in:  make([]byte, 0, inputSize),
	}
}

// Output returns a mutable region the caller (the Flow, when serializing)
// should fill starting at index 0. The returned slice has len == cap so the
// caller can write anywhere inside; use OutputAppend to record how much of it
// was actually filled.
func (b *Buffers) Output() []byte {
	need := cap(b.out) - b.outLen
	if need < 512 {
		b.growOutput(b.outLen + 4096)
	}
	return b.out[b.outLen:cap(b.out)]
}

// OutputAppend records that n bytes were written into the region Output()
// returned, making them eligible for transmission.
func (b *Buffers) OutputAppend(n int) {
	b.outLen += n
	b.out = b.out[:b.outLen]
}

// OutputReady returns the bytes queued for transmission.
func (b *Buffers) OutputReady() []byte {
	return b.out[:b.outLen]
}

// OutputConsume removes the first n transmitted bytes from the output region,
// shifting any remainder to the front.
func (b *Buffers) OutputConsume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.outLen {
		b.out = b.out[:0]
		b.outLen = 0
		return
	}
	copy(b.out, b.out[n:b.outLen])
	b.outLen -= n
	b.out = b.out[:b.outLen]
}

func (b *Buffers) growOutput(minCap int) {
	if cap(b.out) >= minCap {
		return
	}
	next := make([]byte, b.outLen, minCap)
	copy(next, b.out[:b.outLen])
	b.out = next
}

// Input returns the bytes already received but not yet consumed.
func (b *Buffers) Input() []byte {
	return b.in[b.inStart:b.inEnd]
}

// InputAppendBuf returns a mutable region to receive freshly-read bytes into.
func (b *Buffers) InputAppendBuf() []byte {
	if cap(b.in)-b.inEnd < 512 {
		b.compactOrGrowInput()
	}
	return b.in[b.inEnd:cap(b.in)]
}

// InputAppended records that n bytes were placed into the region
// InputAppendBuf() returned.
func (b *Buffers) InputAppended(n int) {
	b.inEnd += n
	b.in = b.in[:b.inEnd]
}

// InputConsume releases the leading n bytes of Input(). It also updates the
// can_use_input guard bit: consuming zero bytes means the parser could not
// make progress with what it had.
func (b *Buffers) InputConsume(n int) {
	b.lastConsumeProgress = n > 0
	if n <= 0 {
		return
	}
	b.inStart += n
	if b.inStart >= b.inEnd {
		// Fully drained: reset to the front so the region doesn't creep
		// forward and force spurious growth.
		b.inStart = 0
		b.inEnd = 0
		b.in = b.in[:0]
	}
}

// CanUseInput is true iff there are unconsumed input bytes AND the last
// consume call made progress. It prevents the parser from looping forever on
// a buffer that hasn't grown since the previous parse attempt.
func (b *Buffers) CanUseInput() bool {
	return b.inEnd > b.inStart && b.lastConsumeProgress
}

// MarkFreshRead should be called once immediately after a successful socket
// read appends new bytes, so the next parse attempt is allowed to run even if
// the previous InputConsume call made no progress.
func (b *Buffers) MarkFreshRead() {
	b.lastConsumeProgress = true
}

func (b *Buffers) compactOrGrowInput() {
	unconsumed := b.inEnd - b.inStart
	if b.inStart > 0 {
		copy(b.in[:unconsumed], b.in[b.inStart:b.inEnd])
		b.inStart = 0
		b.inEnd = unconsumed
		b.in = b.in[:b.inEnd]
	}
	if cap(b.in)-b.inEnd < 512 {
		next := make([]byte, b.inEnd, cap(b.in)*2+4096)
		copy(next, b.in[:b.inEnd])
		b.in = next
	}
}

// Reset clears both regions for reuse across calls on a pooled transport.
func (b *Buffers) Reset() {
	b.out = b.out[:0]
	b.outLen = 0
	b.in = b.in[:0]
	b.inStart = 0
	b.inEnd = 0
	b.lastConsumeProgress = false
}
