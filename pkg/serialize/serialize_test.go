package serialize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeInt16LittleEndian(t *testing.T) {

	writer := NewFixedSizeWriter(ByteSizeInt16(0))
	SerializeInt16(writer, -2)

	bs := writer.Bytes()
	assert.Equal(t, []byte{0xFE, 0xFF}, bs)

	var output int16
	err := DeserializeInt16(&output, NewReader(bs))
	require.NoError(t, err)
	assert.Equal(t, int16(-2), output)
}

func TestSerializeInt32(t *testing.T) {

	inputs := []int32{0, 1, -1, 3, math.MaxInt32, math.MinInt32, 1 << 26}
	for _, input := range inputs {
		writer := NewFixedSizeWriter(ByteSizeInt32(input))
		SerializeInt32(writer, input)

		var output int32
		err := DeserializeInt32(&output, NewReader(writer.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, input, output)
	}

	writer := NewFixedSizeWriter(4)
	SerializeInt32(writer, 3)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, writer.Bytes())
}

func TestReaderNotEnoughData(t *testing.T) {

	reader := NewReader([]byte{0x01, 0x02, 0x03})

	var output int32
	err := DeserializeInt32(&output, reader)
	require.Error(t, err)

	var half int16
	err = DeserializeInt16(&half, reader)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.Remaining())
}

func TestFixedSizeWriterPanicsOnLeftover(t *testing.T) {

	writer := NewFixedSizeWriter(4)
	SerializeUInt16(writer, 7)

	assert.Panics(t, func() {
		writer.Bytes()
	})
	assert.Panics(t, func() {
		writer.Next(3)
	})
}

func TestAccumulatorAppendConsume(t *testing.T) {

	acc := NewAccumulator()
	assert.Equal(t, 0, acc.Len())

	acc.Append([]byte{1, 2, 3})
	acc.Append(nil)
	acc.Append([]byte{4, 5})
	assert.Equal(t, 5, acc.Len())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, acc.Bytes())

	peek, ok := acc.Peek(2)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, peek)
	assert.Equal(t, 5, acc.Len())

	_, ok = acc.Peek(6)
	assert.False(t, ok)

	head := acc.Consume(2)
	assert.Equal(t, []byte{1, 2}, head)
	assert.Equal(t, []byte{3, 4, 5}, acc.Bytes())

	// consumed bytes are owned by the caller
	acc.Append([]byte{6})
	assert.Equal(t, []byte{1, 2}, head)
	assert.Equal(t, []byte{3, 4, 5, 6}, acc.Bytes())

	rest := acc.Consume(4)
	assert.Equal(t, []byte{3, 4, 5, 6}, rest)
	assert.Equal(t, 0, acc.Len())

	assert.Panics(t, func() {
		acc.Consume(1)
	})
}

func TestAccumulatorCompacts(t *testing.T) {

	acc := NewAccumulator()
	chunk := make([]byte, compactThreshold)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	acc.Append(chunk)
	acc.Append([]byte{0xAA})
	acc.Consume(compactThreshold)
	acc.Append([]byte{0xBB})

	assert.Equal(t, []byte{0xAA, 0xBB}, acc.Bytes())
	assert.Equal(t, 0, acc.rpos)

	acc.Reset()
	assert.Equal(t, 0, acc.Len())
}
