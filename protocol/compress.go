package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressThreshold is the request size below which compression is skipped.
const CompressThreshold = 128

// CompressProto wraps a complete message proto in a compressed proto. The
// uncompressed size is written little-endian, which is what servers expect.
func CompressProto(msg []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(ProtoHeaderSize + 8 + len(msg)/2)
	out.Write(make([]byte, ProtoHeaderSize+8))

	zw, err := zlib.NewWriterLevel(&out, zlib.DefaultCompression)
	if err != nil {
		return nil, ProtocolError("zlib writer", map[string]interface{}{"error": err.Error()})
	}
	if _, err := zw.Write(msg); err != nil {
		return nil, ProtocolError("zlib compress", map[string]interface{}{"error": err.Error()})
	}
	if err := zw.Close(); err != nil {
		return nil, ProtocolError("zlib compress", map[string]interface{}{"error": err.Error()})
	}

	b := out.Bytes()
	PutProtoHeader(b, CompressedMessageType, uint64(len(b)-ProtoHeaderSize))
	binary.LittleEndian.PutUint64(b[ProtoHeaderSize:], uint64(len(msg)))
	return b, nil
}

// InflateProto expands the body of a compressed proto and returns the inner
// message proto, header included.
func InflateProto(body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, ProtocolError("short compressed proto", map[string]interface{}{"len": len(body)})
	}
	size := binary.LittleEndian.Uint64(body)
	if size < ProtoHeaderSize || size > maxProtoSize {
		return nil, ProtocolError("invalid uncompressed size", map[string]interface{}{"size": size})
	}

	zr, err := zlib.NewReader(bytes.NewReader(body[8:]))
	if err != nil {
		return nil, ProtocolError("zlib reader", map[string]interface{}{"error": err.Error()})
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, ProtocolError("zlib inflate", map[string]interface{}{"error": err.Error()})
	}
	return out, nil
}

// MessageBody returns the message bytes carried by a proto, inflating
// compressed protos.
func MessageBody(h ProtoHeader, body []byte) ([]byte, error) {
	if h.Type != CompressedMessageType {
		return body, nil
	}
	inner, err := InflateProto(body)
	if err != nil {
		return nil, err
	}
	ih, err := ParseProtoHeader(inner)
	if err != nil {
		return nil, err
	}
	if ih.Type != MessageType || uint64(len(inner)-ProtoHeaderSize) < ih.Size {
		return nil, ProtocolError("invalid inner proto", map[string]interface{}{"type": ih.Type, "size": ih.Size})
	}
	return inner[ProtoHeaderSize : ProtoHeaderSize+int(ih.Size)], nil
}
