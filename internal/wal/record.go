// Package wal implements the append-only, multi-volume, slotted,
// LZ4-compressed write-ahead log of spec.md §3/§4.4: a writer thread pool
// that serialises operations into per-path volumes, and a replayer that
// reconstructs shard state from a start revision.
//
// Record encoding and volume framing are grounded on the teacher's
// database.go (msgpack WAL entries, CRC-guarded replay loop), generalised
// from a single flat operation log into the slotted, rotating, LZ4
// compressed volume format spec.md mandates.
package wal

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
)

// OpType tags the kind of mutation a WAL record carries (spec.md §3).
type OpType byte

const (
	OpCommit OpType = iota
	OpReplaceDocument
	OpDeleteDocument
	OpSetMetadata
	OpAddSpelling
	OpRemoveSpelling
)

func (t OpType) String() string {
	switch t {
	case OpCommit:
		return "COMMIT"
	case OpReplaceDocument:
		return "REPLACE_DOCUMENT"
	case OpDeleteDocument:
		return "DELETE_DOCUMENT"
	case OpSetMetadata:
		return "SET_METADATA"
	case OpAddSpelling:
		return "ADD_SPELLING"
	case OpRemoveSpelling:
		return "REMOVE_SPELLING"
	default:
		return "UNKNOWN"
	}
}

// Record is one WAL entry: a revision, an operation tag, and its
// operation-specific payload (spec.md §3 "WAL record types").
type Record struct {
	Revision uint64
	Type     OpType
	Payload  []byte
}

// ReplaceDocumentPayload builds the (docid varint, document bytes) payload
// for an OpReplaceDocument record.
func ReplaceDocumentPayload(docID uint64, doc []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(doc))
	n := binary.PutUvarint(buf, docID)
	return append(buf[:n:n], doc...)
}

// DecodeReplaceDocumentPayload splits a ReplaceDocumentPayload back out.
func DecodeReplaceDocumentPayload(payload []byte) (docID uint64, doc []byte, err error) {
	docID, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return docID, payload[n:], nil
}

// DeleteDocumentPayload builds the (docid varint) payload for an
// OpDeleteDocument record.
func DeleteDocumentPayload(docID uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, docID)
	return buf[:n]
}

// DecodeDeleteDocumentPayload extracts the docid from a
// DeleteDocumentPayload.
func DecodeDeleteDocumentPayload(payload []byte) (uint64, error) {
	docID, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return docID, nil
}

// SetMetadataPayload builds the (length-prefixed key, value) payload for
// an OpSetMetadata record.
func SetMetadataPayload(key, value []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(key)+len(value))
	n := binary.PutUvarint(buf, uint64(len(key)))
	buf = buf[:n:n]
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf
}

// DecodeSetMetadataPayload splits a SetMetadataPayload back into key/value.
func DecodeSetMetadataPayload(payload []byte) (key, value []byte, err error) {
	keyLen, n := binary.Uvarint(payload)
	if n <= 0 || uint64(n)+keyLen > uint64(len(payload)) {
		return nil, nil, io.ErrUnexpectedEOF
	}
	key = payload[n : n+int(keyLen)]
	value = payload[n+int(keyLen):]
	return key, value, nil
}

// SpellingPayload builds the (length-prefixed term + freq varint) payload shared by
// OpAddSpelling and OpRemoveSpelling.
func SpellingPayload(term string, freq uint32) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(term))
	n := binary.PutUvarint(buf, uint64(len(term)))
	buf = buf[:n:n]
	buf = append(buf, term...)
	freqBuf := make([]byte, binary.MaxVarintLen64)
	fn := binary.PutUvarint(freqBuf, uint64(freq))
	buf = append(buf, freqBuf[:fn]...)
	return buf
}

// DecodeSpellingPayload splits a SpellingPayload back into term/freq.
func DecodeSpellingPayload(payload []byte) (term string, freq uint32, err error) {
	termLen, n := binary.Uvarint(payload)
	if n <= 0 || uint64(n)+termLen > uint64(len(payload)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	term = string(payload[n : n+int(termLen)])
	rest := payload[n+int(termLen):]
	f, fn := binary.Uvarint(rest)
	if fn <= 0 {
		return "", 0, io.ErrUnexpectedEOF
	}
	return term, uint32(f), nil
}

// encodeFrame serialises a Record as varint(revision) + varint(type) +
// payload, then LZ4-compresses the result (spec.md §4.4 steps 1-2).
func encodeFrame(rec Record) ([]byte, error) {
	var plain bytes.Buffer
	var hdr [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], rec.Revision)
	n += binary.PutUvarint(hdr[n:], uint64(rec.Type))
	plain.Write(hdr[:n])
	plain.Write(rec.Payload)

	compressed := make([]byte, lz4.CompressBlockBound(plain.Len()))
	var compressor lz4.Compressor
	written, err := compressor.CompressBlock(plain.Bytes(), compressed)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		// Incompressible (or too small): store the plain bytes with no
		// marker; decodeFrame falls back to treating the frame as raw
		// when LZ4 decompression fails or yields a different length.
		return plain.Bytes(), nil
	}
	return compressed[:written], nil
}

// decodeFrame reverses encodeFrame given the known decompressed size.
func decodeFrame(compressed []byte, decompressedLen int) (Record, error) {
	plain := make([]byte, decompressedLen)
	n, err := lz4.UncompressBlock(compressed, plain)
	if err != nil || n != decompressedLen {
		plain = compressed // fall back to the raw-store path
	}
	revision, off := binary.Uvarint(plain)
	if off <= 0 {
		return Record{}, io.ErrUnexpectedEOF
	}
	opType, n2 := binary.Uvarint(plain[off:])
	if n2 <= 0 {
		return Record{}, io.ErrUnexpectedEOF
	}
	payload := plain[off+n2:]
	return Record{Revision: revision, Type: OpType(opType), Payload: payload}, nil
}
