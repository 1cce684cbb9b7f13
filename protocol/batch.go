package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dan-strohschein/clusterbatch/model"
)

const (
	// MaxBinNameLength is the longest bin name the server accepts.
	MaxBinNameLength = 15
	// MaxNamespaceLength is the longest namespace name the server accepts.
	MaxNamespaceLength = 31

	// batchEntrySize is the offset plus digest written for every record.
	batchEntrySize = 4 + model.DigestSize
	// fullSubHeaderSize is repeat flag, read attr, field count and op count.
	fullSubHeaderSize = 6
)

// BatchOptions are the policy values that shape a batch request on the wire.
type BatchOptions struct {
	ReadModeAP   ReadModeAP
	ReadModeSC   ReadModeSC
	TotalTimeout time.Duration
	SendSetName  bool
	AllowInline  bool

	// Predicate is a complete encoded predicate field, header included. It is
	// copied into the request unchanged.
	Predicate []byte
}

// PredicateField frames an encoded predicate expression as a request field.
// Nil in, nil out.
func PredicateField(expr []byte) []byte {
	if len(expr) == 0 {
		return nil
	}
	b := make([]byte, FieldHeaderSize+len(expr))
	n := putFieldHeader(b, FieldPredExp, len(expr))
	copy(b[n:], expr)
	return b
}

// repeats reports whether cur may reuse prev's namespace and bin selection.
func repeats(prev, cur *model.BatchRecord, sendSetName bool) bool {
	if prev == nil {
		return false
	}
	if prev.Key.Namespace != cur.Key.Namespace {
		return false
	}
	if sendSetName && prev.Key.SetName != cur.Key.SetName {
		return false
	}
	return prev.SameSelection(cur)
}

// EstimateBatchSize returns the exact number of bytes WriteBatch produces for
// the records at offsets.
func EstimateBatchSize(records []*model.BatchRecord, offsets []uint32, opts BatchOptions) (int, error) {
	size := HeaderSize + FieldHeaderSize + 4 + 1 + len(opts.Predicate)

	var prev *model.BatchRecord
	for _, off := range offsets {
		if int(off) >= len(records) {
			return 0, ParameterError(fmt.Sprintf("batch offset %d >= batch size %d", off, len(records)))
		}
		rec := records[off]
		if rec == nil || rec.Key == nil {
			return 0, ParameterError(fmt.Sprintf("batch record %d has no key", off))
		}

		size += batchEntrySize

		if repeats(prev, rec, opts.SendSetName) {
			size++
			continue
		}

		if len(rec.Key.Namespace) > MaxNamespaceLength {
			return 0, ParameterError("namespace too long: " + rec.Key.Namespace)
		}
		size += stringFieldSize(rec.Key.Namespace) + fullSubHeaderSize
		if opts.SendSetName {
			size += stringFieldSize(rec.Key.SetName)
		}
		if rec.Selection == model.SelectBins {
			for _, name := range rec.BinNames {
				if len(name) > MaxBinNameLength {
					return 0, ParameterError("bin name too long: " + name)
				}
				size += stringOperationSize(name)
			}
		}
		prev = rec
	}
	return size, nil
}

// WriteBatch serializes the records at offsets into buf, which must hold at
// least EstimateBatchSize bytes. It returns the number of bytes written.
func WriteBatch(buf []byte, records []*model.BatchRecord, offsets []uint32, opts BatchOptions) int {
	info1, info3 := ReadAttrs(opts.ReadModeAP, opts.ReadModeSC)

	fieldCount := uint16(1)
	if len(opts.Predicate) > 0 {
		fieldCount++
	}

	// The total timeout travels in transaction_ttl on requests.
	PutMsgHeader(buf[ProtoHeaderSize:], MsgHeader{
		Info1:          info1 | Info1BatchIndex,
		Info3:          info3,
		TransactionTTL: uint32(opts.TotalTimeout / time.Millisecond),
		FieldCount:     fieldCount,
	})
	p := HeaderSize
	p += copy(buf[p:], opts.Predicate)

	fieldType := FieldBatchIndex
	if opts.SendSetName {
		fieldType = FieldBatchIndexWithSet
	}
	fieldStart := p
	p += putFieldHeader(buf[p:], fieldType, 0)

	binary.BigEndian.PutUint32(buf[p:], uint32(len(offsets)))
	p += 4
	if opts.AllowInline {
		buf[p] = 1
	} else {
		buf[p] = 0
	}
	p++

	subFields := uint16(1)
	if opts.SendSetName {
		subFields = 2
	}

	var prev *model.BatchRecord
	for _, off := range offsets {
		rec := records[off]

		binary.BigEndian.PutUint32(buf[p:], off)
		p += 4
		p += copy(buf[p:], rec.Key.Digest[:])

		if repeats(prev, rec, opts.SendSetName) {
			buf[p] = 1
			p++
			continue
		}

		buf[p] = 0
		p++

		attr := info1
		nbins := 0
		switch {
		case rec.Selection == model.SelectAll:
			attr |= Info1GetAll
		case rec.Selection == model.SelectNone || len(rec.BinNames) == 0:
			attr |= Info1GetNoBinData
		default:
			nbins = len(rec.BinNames)
		}
		buf[p] = attr
		p++
		binary.BigEndian.PutUint16(buf[p:], subFields)
		p += 2
		binary.BigEndian.PutUint16(buf[p:], uint16(nbins))
		p += 2

		p += putStringField(buf[p:], FieldNamespace, rec.Key.Namespace)
		if opts.SendSetName {
			p += putStringField(buf[p:], FieldSetName, rec.Key.SetName)
		}
		if nbins > 0 {
			for _, name := range rec.BinNames {
				p += putBinName(buf[p:], name)
			}
		}
		prev = rec
	}

	// Patch the batch field size now that its length is known.
	binary.BigEndian.PutUint32(buf[fieldStart:], uint32(p-fieldStart-4))

	PutProtoHeader(buf, MessageType, uint64(p-ProtoHeaderSize))
	return p
}

// EncodeBatch sizes, acquires and fills a request buffer. When compress is set
// and the request is large enough it is wrapped in a compressed proto.
func EncodeBatch(records []*model.BatchRecord, offsets []uint32, opts BatchOptions, compress bool) (*Buffer, error) {
	size, err := EstimateBatchSize(records, offsets, opts)
	if err != nil {
		return nil, err
	}

	buf := AcquireBuffer(size)
	n := WriteBatch(buf.B, records, offsets, opts)
	if n != size {
		buf.Release()
		return nil, ProtocolError("batch size estimate mismatch", map[string]interface{}{
			"estimated": size,
			"written":   n,
		})
	}
	buf.B = buf.B[:n]

	if !compress || n <= CompressThreshold {
		return buf, nil
	}

	compressed, err := CompressProto(buf.B)
	buf.Release()
	if err != nil {
		return nil, err
	}
	return &Buffer{B: compressed}, nil
}
