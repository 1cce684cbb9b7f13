package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dan-strohschein/clusterbatch/model"
)

// BatchEntry is one decoded record of a batch request. Repeated entries carry
// the namespace and selection of the entry they repeat.
type BatchEntry struct {
	Offset    uint32
	Digest    [model.DigestSize]byte
	Repeat    bool
	Namespace string
	SetName   string
	Selection model.BinSelection
	BinNames  []string
}

// BatchRequest is a decoded batch request.
type BatchRequest struct {
	Info1        byte
	Info3        byte
	TotalTimeout time.Duration
	Predicate    []byte
	SendSetName  bool
	AllowInline  bool
	Entries      []BatchEntry
}

// Options rebuilds the wire options the request was written with.
func (r *BatchRequest) Options() BatchOptions {
	ap, sc := ReadModesFromAttrs(r.Info1, r.Info3)
	return BatchOptions{
		ReadModeAP:   ap,
		ReadModeSC:   sc,
		TotalTimeout: r.TotalTimeout,
		SendSetName:  r.SendSetName,
		AllowInline:  r.AllowInline,
		Predicate:    r.Predicate,
	}
}

// Offsets lists the record offsets in request order.
func (r *BatchRequest) Offsets() []uint32 {
	out := make([]uint32, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Offset
	}
	return out
}

type reader struct {
	b []byte
	p int
}

func (r *reader) need(n int) error {
	if r.p+n > len(r.b) {
		return ProtocolError("truncated batch request", map[string]interface{}{
			"pos":  r.p,
			"need": n,
			"len":  len(r.b),
		})
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.p]
	r.p++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.b[r.p:])
	r.p += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.p:])
	r.p += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ProtocolError("negative field length", map[string]interface{}{"pos": r.p})
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.p : r.p+n]
	r.p += n
	return v, nil
}

// ParseBatchRequest decodes a complete request written by WriteBatch or
// EncodeBatch. Compressed requests are inflated first.
func ParseBatchRequest(buf []byte) (*BatchRequest, error) {
	ph, err := ParseProtoHeader(buf)
	if err != nil {
		return nil, err
	}
	if ph.Type == CompressedMessageType {
		inner, err := InflateProto(buf[ProtoHeaderSize:])
		if err != nil {
			return nil, err
		}
		return ParseBatchRequest(inner)
	}
	if uint64(len(buf)-ProtoHeaderSize) < ph.Size {
		return nil, ProtocolError("truncated batch request", map[string]interface{}{"size": ph.Size})
	}

	mh, err := ParseMsgHeader(buf[ProtoHeaderSize:])
	if err != nil {
		return nil, err
	}
	if mh.Info1&Info1BatchIndex == 0 {
		return nil, ProtocolError("not a batch index request", nil)
	}

	req := &BatchRequest{
		// The batch index bit is implied by the request kind.
		Info1:        mh.Info1 &^ Info1BatchIndex,
		Info3:        mh.Info3,
		TotalTimeout: time.Duration(mh.TransactionTTL) * time.Millisecond,
	}

	r := &reader{b: buf[:ProtoHeaderSize+int(ph.Size)], p: HeaderSize}

	for i := 0; i < int(mh.FieldCount); i++ {
		start := r.p
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		ftype, err := r.u8()
		if err != nil {
			return nil, err
		}

		switch ftype {
		case FieldPredExp:
			if _, err := r.bytes(int(size) - 1); err != nil {
				return nil, err
			}
			req.Predicate = append([]byte(nil), r.b[start:r.p]...)
		case FieldBatchIndex, FieldBatchIndexWithSet:
			req.SendSetName = ftype == FieldBatchIndexWithSet
			if err := parseBatchField(r, req); err != nil {
				return nil, err
			}
		default:
			return nil, ProtocolError(fmt.Sprintf("unexpected field type %d", ftype), nil)
		}
	}
	return req, nil
}

func parseBatchField(r *reader, req *BatchRequest) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	inline, err := r.u8()
	if err != nil {
		return err
	}
	req.AllowInline = inline == 1
	req.Entries = make([]BatchEntry, 0, min(int(count), len(r.b)/batchEntrySize))

	var prev *BatchEntry
	for i := uint32(0); i < count; i++ {
		var e BatchEntry
		if e.Offset, err = r.u32(); err != nil {
			return err
		}
		digest, err := r.bytes(model.DigestSize)
		if err != nil {
			return err
		}
		copy(e.Digest[:], digest)

		repeat, err := r.u8()
		if err != nil {
			return err
		}
		if repeat == 1 {
			if prev == nil {
				return ProtocolError("repeat flag on first batch entry", nil)
			}
			e.Repeat = true
			e.Namespace = prev.Namespace
			e.SetName = prev.SetName
			e.Selection = prev.Selection
			e.BinNames = prev.BinNames
			req.Entries = append(req.Entries, e)
			continue
		}

		if err := parseSubHeader(r, &e); err != nil {
			return err
		}
		req.Entries = append(req.Entries, e)
		prev = &req.Entries[len(req.Entries)-1]
	}
	return nil
}

func parseSubHeader(r *reader, e *BatchEntry) error {
	attr, err := r.u8()
	if err != nil {
		return err
	}
	switch {
	case attr&Info1GetAll != 0:
		e.Selection = model.SelectAll
	case attr&Info1GetNoBinData != 0:
		e.Selection = model.SelectNone
	default:
		e.Selection = model.SelectBins
	}

	nfields, err := r.u16()
	if err != nil {
		return err
	}
	nops, err := r.u16()
	if err != nil {
		return err
	}

	for i := 0; i < int(nfields); i++ {
		size, err := r.u32()
		if err != nil {
			return err
		}
		ftype, err := r.u8()
		if err != nil {
			return err
		}
		data, err := r.bytes(int(size) - 1)
		if err != nil {
			return err
		}
		switch ftype {
		case FieldNamespace:
			e.Namespace = string(data)
		case FieldSetName:
			e.SetName = string(data)
		}
	}

	for i := 0; i < int(nops); i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
		hdr, err := r.bytes(4)
		if err != nil {
			return err
		}
		name, err := r.bytes(int(hdr[3]))
		if err != nil {
			return err
		}
		e.BinNames = append(e.BinNames, string(name))
	}
	return nil
}
