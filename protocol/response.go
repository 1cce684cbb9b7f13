package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/dan-strohschein/clusterbatch/model"
)

// citrusleafEpoch is the server's time origin, 2010-01-01T00:00:00Z.
const citrusleafEpoch = 1262304000

// Particle types for bin values.
const (
	ParticleNull    byte = 0
	ParticleInteger byte = 1
	ParticleFloat   byte = 2
	ParticleString  byte = 3
	ParticleBlob    byte = 4
)

// BatchResult is one decoded response entry.
type BatchResult struct {
	Offset uint32
	Result model.ResultCode
	Record *model.Record
}

// ParseBatchChunk walks the messages of one proto body and hands every record
// entry to fn. It returns done once the message flagged last is seen. A
// result code other than not-found or filtered-out aborts the whole response.
// Offsets at or beyond count are rejected.
func ParseBatchChunk(body []byte, count int, deserialize bool, fn func(BatchResult) error) (bool, error) {
	p := 0
	for p < len(body) {
		mh, err := ParseMsgHeader(body[p:])
		if err != nil {
			return false, err
		}
		rc := model.ResultCode(mh.ResultCode)
		if rc != model.ResultOK && !rc.IsRecordLevel() {
			return false, ServerBatchError(rc)
		}
		p += MsgHeaderSize

		if mh.Info3&Info3Last != 0 {
			return true, nil
		}

		// transaction_ttl carries the batch offset on responses.
		offset := mh.TransactionTTL
		if int(offset) >= count {
			return false, ProtocolError(fmt.Sprintf("batch index %d >= batch size: %d", offset, count), nil)
		}

		if p, err = skipFields(body, p, int(mh.FieldCount)); err != nil {
			return false, err
		}

		res := BatchResult{Offset: offset, Result: rc}
		if rc == model.ResultOK {
			rec := &model.Record{
				Generation: mh.Generation,
				Expiration: VoidTimeToTTL(mh.RecordTTL, time.Now()),
			}
			if rec.Bins, p, err = parseBins(body, p, int(mh.OpCount), deserialize); err != nil {
				return false, err
			}
			res.Record = rec
		} else if p, err = skipOps(body, p, int(mh.OpCount)); err != nil {
			return false, err
		}

		if err := fn(res); err != nil {
			return false, err
		}
	}
	return false, nil
}

// VoidTimeToTTL converts a server void time into seconds left to live.
func VoidTimeToTTL(voidTime uint32, now time.Time) uint32 {
	if voidTime == 0 {
		return math.MaxUint32
	}
	cur := uint32(now.Unix() - citrusleafEpoch)
	if voidTime > cur {
		return voidTime - cur
	}
	// Expired but not yet reaped.
	return 1
}

// TTLToVoidTime is the inverse of VoidTimeToTTL.
func TTLToVoidTime(ttl uint32, now time.Time) uint32 {
	if ttl == math.MaxUint32 {
		return 0
	}
	return uint32(now.Unix()-citrusleafEpoch) + ttl
}

func skipFields(b []byte, p, n int) (int, error) {
	for i := 0; i < n; i++ {
		if p+4 > len(b) {
			return p, ProtocolError("truncated field", map[string]interface{}{"pos": p})
		}
		p += 4 + int(binary.BigEndian.Uint32(b[p:]))
		if p > len(b) {
			return p, ProtocolError("field overruns message", map[string]interface{}{"pos": p})
		}
	}
	return p, nil
}

func skipOps(b []byte, p, n int) (int, error) {
	// Ops share the size-prefixed layout of fields.
	return skipFields(b, p, n)
}

func parseBins(b []byte, p, n int, deserialize bool) (map[string]any, int, error) {
	bins := make(map[string]any, n)
	for i := 0; i < n; i++ {
		if p+OperationHeaderSize > len(b) {
			return nil, p, ProtocolError("truncated bin", map[string]interface{}{"pos": p})
		}
		size := int(binary.BigEndian.Uint32(b[p:]))
		particle := b[p+5]
		nameLen := int(b[p+7])
		end := p + 4 + size
		nameEnd := p + OperationHeaderSize + nameLen
		if size < 4+nameLen || end > len(b) {
			return nil, p, ProtocolError("bin overruns message", map[string]interface{}{"pos": p})
		}
		name := string(b[p+OperationHeaderSize : nameEnd])
		value := b[nameEnd:end]

		v, err := decodeParticle(particle, value, deserialize)
		if err != nil {
			return nil, p, err
		}
		bins[name] = v
		p = end
	}
	return bins, p, nil
}

func decodeParticle(particle byte, value []byte, deserialize bool) (any, error) {
	if !deserialize {
		return append([]byte(nil), value...), nil
	}
	switch particle {
	case ParticleNull:
		return nil, nil
	case ParticleInteger:
		if len(value) != 8 {
			return nil, ProtocolError("invalid integer particle", map[string]interface{}{"len": len(value)})
		}
		return int64(binary.BigEndian.Uint64(value)), nil
	case ParticleFloat:
		if len(value) != 8 {
			return nil, ProtocolError("invalid float particle", map[string]interface{}{"len": len(value)})
		}
		return math.Float64frombits(binary.BigEndian.Uint64(value)), nil
	case ParticleString:
		return string(value), nil
	default:
		return append([]byte(nil), value...), nil
	}
}

// Bin is a named value for ResponseBuilder.
type Bin struct {
	Name  string
	Value any
}

// ResponseBuilder assembles batch response streams the way a server node
// writes them. Servers and fakes use it; the client only parses.
type ResponseBuilder struct {
	msgs []byte
	now  time.Time
}

// NewResponseBuilder creates an empty builder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{now: time.Now()}
}

// Record appends an entry for offset. Bins are only written when rc is OK.
func (b *ResponseBuilder) Record(offset uint32, rc model.ResultCode, generation, ttl uint32, bins ...Bin) *ResponseBuilder {
	if rc != model.ResultOK {
		bins = nil
	}
	hdr := make([]byte, MsgHeaderSize)
	PutMsgHeader(hdr, MsgHeader{
		Info1:          Info1Read,
		ResultCode:     uint8(rc),
		Generation:     generation,
		RecordTTL:      TTLToVoidTime(ttl, b.now),
		TransactionTTL: offset,
		OpCount:        uint16(len(bins)),
	})
	b.msgs = append(b.msgs, hdr...)
	for _, bin := range bins {
		b.msgs = appendBin(b.msgs, bin)
	}
	return b
}

// Last appends the terminating message with result code rc.
func (b *ResponseBuilder) Last(rc model.ResultCode) *ResponseBuilder {
	hdr := make([]byte, MsgHeaderSize)
	PutMsgHeader(hdr, MsgHeader{Info3: Info3Last, ResultCode: uint8(rc)})
	b.msgs = append(b.msgs, hdr...)
	return b
}

// Proto frames the messages written so far as one proto and resets the
// builder, so a response can be split across several protos.
func (b *ResponseBuilder) Proto() []byte {
	out := make([]byte, ProtoHeaderSize+len(b.msgs))
	PutProtoHeader(out, MessageType, uint64(len(b.msgs)))
	copy(out[ProtoHeaderSize:], b.msgs)
	b.msgs = b.msgs[:0]
	return out
}

func appendBin(dst []byte, bin Bin) []byte {
	particle, value := encodeParticle(bin.Value)
	hdr := make([]byte, OperationHeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(4+len(bin.Name)+len(value)))
	hdr[4] = OperationRead
	hdr[5] = particle
	hdr[7] = byte(len(bin.Name))
	dst = append(dst, hdr...)
	dst = append(dst, bin.Name...)
	return append(dst, value...)
}

func encodeParticle(v any) (byte, []byte) {
	switch x := v.(type) {
	case nil:
		return ParticleNull, nil
	case int:
		return ParticleInteger, binary.BigEndian.AppendUint64(nil, uint64(x))
	case int64:
		return ParticleInteger, binary.BigEndian.AppendUint64(nil, uint64(x))
	case float64:
		return ParticleFloat, binary.BigEndian.AppendUint64(nil, math.Float64bits(x))
	case string:
		return ParticleString, []byte(x)
	case []byte:
		return ParticleBlob, x
	default:
		return ParticleString, []byte(fmt.Sprint(x))
	}
}
