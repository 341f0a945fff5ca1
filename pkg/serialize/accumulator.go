package serialize

// compactThreshold is the consumed prefix size above which Append moves the
// unconsumed bytes back to the start of the backing array.
const compactThreshold = 4096

// Accumulator holds received bytes that have not been consumed by a decoder
// yet. Decoders peek at Bytes and only call Consume once a whole unit is
// available.
type Accumulator struct {
	bytes []byte
	rpos  int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds a newly received chunk to the end of the buffer.
func (a *Accumulator) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if a.rpos > 0 && (a.rpos >= compactThreshold || a.rpos == len(a.bytes)) {
		n := copy(a.bytes, a.bytes[a.rpos:])
		a.bytes = a.bytes[:n]
		a.rpos = 0
	}
	a.bytes = append(a.bytes, chunk...)
}

// Len returns the number of unconsumed bytes.
func (a *Accumulator) Len() int {
	return len(a.bytes) - a.rpos
}

// Bytes returns a view of the unconsumed bytes. The view is only valid until
// the next call to Append or Consume.
func (a *Accumulator) Bytes() []byte {
	return a.bytes[a.rpos:]
}

// Peek returns the first n unconsumed bytes without consuming them.
func (a *Accumulator) Peek(n int) ([]byte, bool) {
	if n > a.Len() {
		return nil, false
	}
	return a.bytes[a.rpos : a.rpos+n], true
}

// Consume removes the first n bytes and returns a copy of them.
func (a *Accumulator) Consume(n int) []byte {
	if n > a.Len() {
		panic("serialize: consume past end of accumulator")
	}
	out := make([]byte, n)
	copy(out, a.bytes[a.rpos:a.rpos+n])
	a.rpos += n
	if a.rpos == len(a.bytes) {
		a.bytes = a.bytes[:0]
		a.rpos = 0
	}
	return out
}

// Reset drops all unconsumed bytes.
func (a *Accumulator) Reset() {
	a.bytes = a.bytes[:0]
	a.rpos = 0
}
