package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// ProtoVersion is the only protocol version this codec speaks.
	ProtoVersion = 2

	// MessageType marks an uncompressed message proto.
	MessageType = 3
	// CompressedMessageType marks a zlib compressed message proto.
	CompressedMessageType = 4

	// ProtoHeaderSize is the 8 byte version/type/size prefix.
	ProtoHeaderSize = 8
	// MsgHeaderSize is the fixed message header that follows the proto.
	MsgHeaderSize = 22
	// HeaderSize is the full request header.
	HeaderSize = ProtoHeaderSize + MsgHeaderSize
	// FieldHeaderSize is size u32 + type u8.
	FieldHeaderSize = 5
	// OperationHeaderSize is size u32 + op + particle + version + name length.
	OperationHeaderSize = 8

	maxProtoSize = 1<<48 - 1
)

// Field types.
const (
	FieldNamespace         byte = 0
	FieldSetName           byte = 1
	FieldDigest            byte = 4
	FieldBatchIndex        byte = 41
	FieldBatchIndexWithSet byte = 42
	FieldPredExp           byte = 43
)

// info1 bits.
const (
	Info1Read          byte = 1 << 0
	Info1GetAll        byte = 1 << 1
	Info1BatchIndex    byte = 1 << 3
	Info1GetNoBinData  byte = 1 << 5
	Info1ReadModeAPAll byte = 1 << 6
)

// info3 bits.
const (
	Info3Last        byte = 1 << 0
	Info3SCReadType  byte = 1 << 6
	Info3SCReadRelax byte = 1 << 7
)

// OperationRead is the op type for bin name selections.
const OperationRead byte = 1

// ReadModeAP controls how many replicas an AP namespace read consults.
type ReadModeAP int

const (
	ReadModeAPOne ReadModeAP = iota
	ReadModeAPAll
)

// ReadModeSC controls strict consistency read guarantees.
type ReadModeSC int

const (
	ReadModeSCSession ReadModeSC = iota
	ReadModeSCLinearize
	ReadModeSCAllowReplica
	ReadModeSCAllowUnavailable
)

// String returns the mode name.
func (m ReadModeAP) String() string {
	if m == ReadModeAPAll {
		return "all"
	}
	return "one"
}

// MarshalText implements encoding.TextMarshaler.
func (m ReadModeAP) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ReadModeAP) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "one":
		*m = ReadModeAPOne
	case "all":
		*m = ReadModeAPAll
	default:
		return fmt.Errorf("unknown AP read mode %q", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m ReadModeSC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ReadModeSC) UnmarshalText(text []byte) error {
	for _, v := range []ReadModeSC{ReadModeSCSession, ReadModeSCLinearize, ReadModeSCAllowReplica, ReadModeSCAllowUnavailable} {
		if v.String() == strings.ToLower(string(text)) {
			*m = v
			return nil
		}
	}
	return fmt.Errorf("unknown SC read mode %q", text)
}

// String returns the mode name.
func (m ReadModeSC) String() string {
	switch m {
	case ReadModeSCSession:
		return "session"
	case ReadModeSCLinearize:
		return "linearize"
	case ReadModeSCAllowReplica:
		return "allow_replica"
	case ReadModeSCAllowUnavailable:
		return "allow_unavailable"
	default:
		return "unknown"
	}
}

// ReadAttrs returns the info1 and info3 bits for the read modes.
func ReadAttrs(ap ReadModeAP, sc ReadModeSC) (info1, info3 byte) {
	info1 = Info1Read
	if ap == ReadModeAPAll {
		info1 |= Info1ReadModeAPAll
	}
	switch sc {
	case ReadModeSCLinearize:
		info3 |= Info3SCReadType
	case ReadModeSCAllowReplica:
		info3 |= Info3SCReadRelax
	case ReadModeSCAllowUnavailable:
		info3 |= Info3SCReadType | Info3SCReadRelax
	}
	return info1, info3
}

// ReadModesFromAttrs reverses ReadAttrs.
func ReadModesFromAttrs(info1, info3 byte) (ReadModeAP, ReadModeSC) {
	ap := ReadModeAPOne
	if info1&Info1ReadModeAPAll != 0 {
		ap = ReadModeAPAll
	}

	var sc ReadModeSC
	switch {
	case info3&Info3SCReadType != 0 && info3&Info3SCReadRelax != 0:
		sc = ReadModeSCAllowUnavailable
	case info3&Info3SCReadType != 0:
		sc = ReadModeSCLinearize
	case info3&Info3SCReadRelax != 0:
		sc = ReadModeSCAllowReplica
	default:
		sc = ReadModeSCSession
	}
	return ap, sc
}

// ProtoHeader is the decoded 8 byte prefix of every message group.
type ProtoHeader struct {
	Version uint8
	Type    uint8
	Size    uint64
}

// PutProtoHeader writes a proto prefix into b[0:8].
func PutProtoHeader(b []byte, msgType uint8, size uint64) {
	v := size | uint64(ProtoVersion)<<56 | uint64(msgType)<<48
	binary.BigEndian.PutUint64(b, v)
}

// ParseProtoHeader decodes and validates a proto prefix.
func ParseProtoHeader(b []byte) (ProtoHeader, error) {
	if len(b) < ProtoHeaderSize {
		return ProtoHeader{}, ProtocolError("short proto header", map[string]interface{}{"len": len(b)})
	}
	v := binary.BigEndian.Uint64(b)
	h := ProtoHeader{
		Version: uint8(v >> 56),
		Type:    uint8(v >> 48),
		Size:    v & maxProtoSize,
	}
	if h.Version != ProtoVersion {
		return h, ProtocolError(fmt.Sprintf("unsupported proto version %d", h.Version), nil)
	}
	if h.Type != MessageType && h.Type != CompressedMessageType {
		return h, ProtocolError(fmt.Sprintf("unexpected proto type %d", h.Type), nil)
	}
	return h, nil
}

// MsgHeader is the decoded 22 byte message header.
type MsgHeader struct {
	HeaderSize     uint8
	Info1          uint8
	Info2          uint8
	Info3          uint8
	ResultCode     uint8
	Generation     uint32
	RecordTTL      uint32
	TransactionTTL uint32
	FieldCount     uint16
	OpCount        uint16
}

// ParseMsgHeader decodes a message header from b.
func ParseMsgHeader(b []byte) (MsgHeader, error) {
	if len(b) < MsgHeaderSize {
		return MsgHeader{}, ProtocolError("short message header", map[string]interface{}{"len": len(b)})
	}
	return MsgHeader{
		HeaderSize:     b[0],
		Info1:          b[1],
		Info2:          b[2],
		Info3:          b[3],
		ResultCode:     b[5],
		Generation:     binary.BigEndian.Uint32(b[6:]),
		RecordTTL:      binary.BigEndian.Uint32(b[10:]),
		TransactionTTL: binary.BigEndian.Uint32(b[14:]),
		FieldCount:     binary.BigEndian.Uint16(b[18:]),
		OpCount:        binary.BigEndian.Uint16(b[20:]),
	}, nil
}

// PutMsgHeader encodes h into b[0:22].
func PutMsgHeader(b []byte, h MsgHeader) {
	b[0] = MsgHeaderSize
	b[1] = h.Info1
	b[2] = h.Info2
	b[3] = h.Info3
	b[4] = 0
	b[5] = h.ResultCode
	binary.BigEndian.PutUint32(b[6:], h.Generation)
	binary.BigEndian.PutUint32(b[10:], h.RecordTTL)
	binary.BigEndian.PutUint32(b[14:], h.TransactionTTL)
	binary.BigEndian.PutUint16(b[18:], h.FieldCount)
	binary.BigEndian.PutUint16(b[20:], h.OpCount)
}

// stringFieldSize is the encoded size of a string field.
func stringFieldSize(s string) int {
	return len(s) + FieldHeaderSize
}

// stringOperationSize is the encoded size of a bin name selection.
func stringOperationSize(s string) int {
	return len(s) + OperationHeaderSize
}

func putFieldHeader(b []byte, id byte, size int) int {
	binary.BigEndian.PutUint32(b, uint32(size+1))
	b[4] = id
	return FieldHeaderSize
}

func putStringField(b []byte, id byte, s string) int {
	n := putFieldHeader(b, id, len(s))
	n += copy(b[n:], s)
	return n
}

func putBinName(b []byte, name string) int {
	binary.BigEndian.PutUint32(b, uint32(len(name)+4))
	b[4] = OperationRead
	b[5] = 0
	b[6] = 0
	b[7] = byte(len(name))
	return OperationHeaderSize + copy(b[OperationHeaderSize:], name)
}
