package serialize

import (
	"fmt"
)

// Reader reads little-endian values from a byte slice without copying.
type Reader struct {
	bytes        []byte
	numBytesRead int
}

func NewReader(data []byte) *Reader {
	return &Reader{
		bytes: data,
	}
}

func (r *Reader) Read(n int) ([]byte, error) {
	if n < 0 || r.numBytesRead+n > len(r.bytes) {
		return nil, fmt.Errorf("Reader does not contain enough data to fill the argument, num bytes available: %d, num bytes needed: %d", len(r.bytes)-r.numBytesRead, n)
	}
	bs := r.bytes[r.numBytesRead : r.numBytesRead+n]
	r.numBytesRead += n
	return bs, nil
}

func (r *Reader) Skip(n int) error {
	_, err := r.Read(n)
	return err
}

func (r *Reader) Remaining() int {
	return len(r.bytes) - r.numBytesRead
}
