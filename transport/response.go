package transport

import (
	"time"

	"github.com/dan-strohschein/clusterbatch/protocol"
)

// maxResponseProto bounds the body of a single response proto.
const maxResponseProto = 128 << 20

// ReadBatchResponse reads protos from conn until the message flagged last and
// hands every record entry to fn. Compressed protos are inflated. Each read is
// bounded by socketTimeout and deadline.
func ReadBatchResponse(conn Conn, socketTimeout time.Duration, deadline time.Time, count int, deserialize bool, fn func(protocol.BatchResult) error) error {
	var hdr [protocol.ProtoHeaderSize]byte
	var body []byte

	for {
		if err := conn.ReadFull(hdr[:], socketTimeout, deadline); err != nil {
			return err
		}
		ph, err := protocol.ParseProtoHeader(hdr[:])
		if err != nil {
			return err
		}
		if ph.Size == 0 {
			continue
		}
		if ph.Size > maxResponseProto {
			return protocol.ProtocolError("response proto too large", map[string]interface{}{"size": ph.Size})
		}

		if uint64(cap(body)) < ph.Size {
			body = make([]byte, ph.Size)
		}
		body = body[:ph.Size]
		if err := conn.ReadFull(body, socketTimeout, deadline); err != nil {
			return err
		}

		msgs, err := protocol.MessageBody(ph, body)
		if err != nil {
			return err
		}
		done, err := protocol.ParseBatchChunk(msgs, count, deserialize, fn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
