// Package serialize holds the byte-level primitives of the wire protocol:
// little-endian integer encoding and the accumulator used to rebuild frames
// from an arbitrarily chunked stream.
package serialize

func SerializeBytes(writer *FixedSizeWriter, data []byte) {
	bs := writer.Next(len(data))
	copy(bs, data)
}

func SerializePadding(writer *FixedSizeWriter, n int) {
	bs := writer.Next(n)
	for i := range bs {
		bs[i] = 0
	}
}

func ByteSizeUInt16(uint16) int {
	return 2
}

func SerializeUInt16(writer *FixedSizeWriter, data uint16) {
	bs := writer.Next(2)
	bs[0] = byte(data)
	bs[1] = byte(data >> 8)
}

func DeserializeUInt16(data *uint16, reader *Reader) error {
	bs, err := reader.Read(2)
	if err != nil {
		return err
	}
	*data = uint16(bs[0]) | uint16(bs[1])<<8
	return nil
}

func ByteSizeUInt32(uint32) int {
	return 4
}

func SerializeUInt32(writer *FixedSizeWriter, data uint32) {
	bs := writer.Next(4)
	bs[0] = byte(data)
	bs[1] = byte(data >> 8)
	bs[2] = byte(data >> 16)
	bs[3] = byte(data >> 24)
}

func DeserializeUInt32(data *uint32, reader *Reader) error {
	bs, err := reader.Read(4)
	if err != nil {
		return err
	}
	*data = uint32(bs[0]) |
		uint32(bs[1])<<8 |
		uint32(bs[2])<<16 |
		uint32(bs[3])<<24
	return nil
}

func ByteSizeInt16(int16) int {
	return 2
}

func SerializeInt16(writer *FixedSizeWriter, data int16) {
	SerializeUInt16(writer, uint16(data))
}

func DeserializeInt16(data *int16, reader *Reader) error {
	var u uint16
	if err := DeserializeUInt16(&u, reader); err != nil {
		return err
	}
	*data = int16(u)
	return nil
}

func ByteSizeInt32(int32) int {
	return 4
}

func SerializeInt32(writer *FixedSizeWriter, data int32) {
	SerializeUInt32(writer, uint32(data))
}

func DeserializeInt32(data *int32, reader *Reader) error {
	var u uint32
	if err := DeserializeUInt32(&u, reader); err != nil {
		return err
	}
	*data = int32(u)
	return nil
}
