package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format: a delta is a varint op count followed by one record per op.
// Each record is a kind byte, the op ID (site, clock varints), then the
// kind-specific fields. State vectors are a varint pair count followed by
// (site, clock) varint pairs.

var (
	// ErrMalformed reports a payload that cannot be decoded. Callers drop
	// the payload; decoding never partially mutates anything.
	ErrMalformed = errors.New("malformed payload")
)

// EncodeOps serializes ops into a delta payload.
func EncodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ops)))
	for _, op := range ops {
		buf.WriteByte(byte(op.Kind))
		writeUvarint(&buf, op.ID.Site)
		writeUvarint(&buf, op.ID.Clock)
		switch op.Kind {
		case OpInsert:
			writeUvarint(&buf, op.Origin.Site)
			writeUvarint(&buf, op.Origin.Clock)
			writeUvarint(&buf, uint64(op.Ch))
		case OpDelete:
			writeUvarint(&buf, op.Target.Site)
			writeUvarint(&buf, op.Target.Clock)
		}
	}
	return buf.Bytes()
}

// DecodeOps parses a delta payload produced by EncodeOps.
func DecodeOps(payload []byte) ([]Op, error) {
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformed, err)
	}
	if count > uint64(len(payload)) {
		// Each op occupies at least one byte; an impossible count means a
		// truncated or hostile payload.
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformed, count)
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: op kind: %v", ErrMalformed, err)
		}
		op := Op{Kind: OpKind(kind)}
		if op.ID, err = readID(r); err != nil {
			return nil, err
		}
		switch op.Kind {
		case OpInsert:
			if op.Origin, err = readID(r); err != nil {
				return nil, err
			}
			ch, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("%w: rune: %v", ErrMalformed, err)
			}
			op.Ch = rune(ch)
		case OpDelete:
			if op.Target, err = readID(r); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrMalformed, kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeVector serializes a state vector for sync negotiation.
func EncodeVector(sv StateVector) []byte {
	sites := make([]uint64, 0, len(sv))
	for site := range sv {
		sites = append(sites, site)
	}
	// Deterministic output keeps payloads comparable in tests and logs.
	for i := 1; i < len(sites); i++ {
		for j := i; j > 0 && sites[j] < sites[j-1]; j-- {
			sites[j], sites[j-1] = sites[j-1], sites[j]
		}
	}
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(sites)))
	for _, site := range sites {
		writeUvarint(&buf, site)
		writeUvarint(&buf, sv[site])
	}
	return buf.Bytes()
}

// DecodeVector parses a state vector payload.
func DecodeVector(payload []byte) (StateVector, error) {
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: vector size: %v", ErrMalformed, err)
	}
	if count > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: vector size %d exceeds payload", ErrMalformed, count)
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		site, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: vector site: %v", ErrMalformed, err)
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: vector clock: %v", ErrMalformed, err)
		}
		sv[site] = clock
	}
	return sv, nil
}

func readID(r *bytes.Reader) (ID, error) {
	site, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id site: %v", ErrMalformed, err)
	}
	clock, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id clock: %v", ErrMalformed, err)
	}
	return ID{Site: site, Clock: clock}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
