package wire

import (
	"strconv"
	"testing"

	"github.com/kbirk/dfremote/pkg/serialize"
)

var payloadSizes = []struct {
	name string
	size int
}{
	{"Empty", 0},
	{"Small", 16},
	{"Medium", 1024},
	{"Large", 64 * 1024},
}

// openCodec returns a codec that has already received the handshake.
func openCodec(b *testing.B, rev Revision) (*WireCodec, *serialize.Accumulator) {
	b.Helper()
	c := NewCodec(CodecConfig{Revision: rev})
	acc := serialize.NewAccumulator()
	acc.Append(Handshake(ResponseMagic))
	if res := c.Decode(acc); res.Kind != NotReady || !c.ShookHands() {
		b.Fatalf("handshake failed: %v", res.Kind)
	}
	return c, acc
}

// BenchmarkEncode benchmarks request framing into a reused buffer
func BenchmarkEncode(b *testing.B) {
	for _, rev := range []Revision{Revision8, Revision6} {
		for _, tc := range payloadSizes {
			b.Run(rev.String()+"/"+tc.name, func(b *testing.B) {
				c := NewCodec(CodecConfig{Revision: rev})
				msg := Message{ID: 1, Data: make([]byte, tc.size)}
				dst := make([]byte, 0, rev.HeaderSize()+tc.size)

				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					dst = c.Encode(dst[:0], msg)
				}
			})
		}
	}
}

// BenchmarkDecodeResult benchmarks decoding a RESULT frame
func BenchmarkDecodeResult(b *testing.B) {
	for _, tc := range payloadSizes {
		b.Run(tc.name, func(b *testing.B) {
			c, acc := openCodec(b, Revision8)
			bs := AppendFrame(nil, Revision8, Message{ID: ResultID, Data: make([]byte, tc.size)})

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				acc.Append(bs)
				if res := c.Decode(acc); res.Kind != ReplyReady {
					b.Fatalf("unexpected result: %v", res.Kind)
				}
			}
		})
	}
}

// BenchmarkDecodeWithTexts benchmarks a reply preceded by text notifications
func BenchmarkDecodeWithTexts(b *testing.B) {
	for _, numTexts := range []int{1, 10, 100} {
		b.Run("Texts"+strconv.Itoa(numTexts), func(b *testing.B) {
			c, acc := openCodec(b, Revision8)
			var bs []byte
			for i := 0; i < numTexts; i++ {
				bs = AppendFrame(bs, Revision8, Message{ID: TextID, Data: make([]byte, 64)})
			}
			bs = AppendFrame(bs, Revision8, Message{ID: ResultID, Data: make([]byte, 16)})

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				acc.Append(bs)
				for {
					res := c.Decode(acc)
					if res.Kind == ReplyReady {
						break
					}
					if res.Kind != NotReady {
						b.Fatalf("unexpected result: %v", res.Kind)
					}
				}
			}
		})
	}
}

// BenchmarkDecodeChunked benchmarks a frame delivered in small chunks
func BenchmarkDecodeChunked(b *testing.B) {
	for _, chunkSize := range []int{1, 16, 512} {
		b.Run("Chunk"+strconv.Itoa(chunkSize), func(b *testing.B) {
			c, acc := openCodec(b, Revision8)
			bs := AppendFrame(nil, Revision8, Message{ID: ResultID, Data: make([]byte, 1024)})

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				var res Result
				for off := 0; off < len(bs); off += chunkSize {
					end := off + chunkSize
					if end > len(bs) {
						end = len(bs)
					}
					acc.Append(bs[off:end])
					res = c.Decode(acc)
				}
				if res.Kind != ReplyReady {
					b.Fatalf("unexpected result: %v", res.Kind)
				}
			}
		})
	}
}
