package wal

import (
	"fmt"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/util"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record payload fields. Unknown fields are skipped on decode so new ones
// can be added without breaking older logs.
const (
	fieldType    protowire.Number = 1
	fieldTxnID   protowire.Number = 2
	fieldKey     protowire.Number = 3
	fieldValue   protowire.Number = 4
	fieldVersion protowire.Number = 5
)

// EncodeBatch encodes records into one buffer, each in its own frame.
// A batch is written with a single write call.
func EncodeBatch(records []model.Record) []byte {
	size := 0
	for _, r := range records {
		if w, ok := r.(model.Write); ok {
			size += util.FrameSize(len(w.Key) + len(w.Value) + 24)
		} else {
			size += util.FrameSize(8)
		}
	}
	buf := make([]byte, 0, size)
	var payload []byte
	for _, r := range records {
		payload = encodePayload(payload[:0], r)
		buf = util.AppendFrame(buf, payload)
	}
	return buf
}

func encodePayload(b []byte, r model.Record) []byte {
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type()))
	b = protowire.AppendTag(b, fieldTxnID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Txn())
	if w, ok := r.(model.Write); ok {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, w.Key)
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Value)
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, w.Version)
	}
	return b
}

// DecodeRecord decodes one record payload (without its frame)
func DecodeRecord(b []byte) (model.Record, error) {
	var (
		typ     uint64
		txnID   uint64
		key     string
		value   []byte
		version uint64
		hasTxn  bool
	)

	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case wt == protowire.VarintType && (num == fieldType || num == fieldTxnID || num == fieldVersion):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldType:
				typ = v
			case fieldTxnID:
				txnID, hasTxn = v, true
			case fieldVersion:
				version = v
			}
		case wt == protowire.BytesType && (num == fieldKey || num == fieldValue):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldKey {
				key = string(v)
			} else {
				value = make([]byte, len(v))
				copy(value, v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if !hasTxn {
		return nil, fmt.Errorf("record has no transaction id")
	}

	switch model.RecordType(typ) {
	case model.RecordTypeBegin:
		return model.BeginTxn{TxnID: txnID}, nil
	case model.RecordTypeWrite:
		if key == "" {
			return nil, fmt.Errorf("write record for transaction %d has no key", txnID)
		}
		if version == 0 {
			return nil, fmt.Errorf("write record for %q has version 0", key)
		}
		return model.Write{TxnID: txnID, Key: key, Value: value, Version: version}, nil
	case model.RecordTypeCommit:
		return model.CommitTxn{TxnID: txnID}, nil
	default:
		return nil, fmt.Errorf("unknown record type %d", typ)
	}
}
