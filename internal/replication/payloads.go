package replication

import (
	"encoding/binary"
	"io"

	"github.com/xapiand/xapiand-core/internal/wal"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

// getChangesetsPayload is MSG_GET_CHANGESETS's body: (remote_uuid,
// from_revision, endpoint_path) (spec.md §4.5).
type getChangesetsPayload struct {
	RemoteUUID   wal.UUID
	FromRevision uint64
	Path         string
}

func encodeGetChangesets(p getChangesetsPayload) []byte {
	buf := make([]byte, 0, 16+binary.MaxVarintLen64+len(p.Path))
	buf = append(buf, p.RemoteUUID[:]...)
	var rb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(rb[:], p.FromRevision)
	buf = append(buf, rb[:n]...)
	buf = append(buf, p.Path...)
	return buf
}

func decodeGetChangesets(body []byte) (getChangesetsPayload, error) {
	if len(body) < 16 {
		return getChangesetsPayload{}, xapierr.Protocol{State: "INIT", Detail: "short MSG_GET_CHANGESETS payload"}
	}
	var p getChangesetsPayload
	copy(p.RemoteUUID[:], body[:16])
	rev, n := binary.Uvarint(body[16:])
	if n <= 0 {
		return getChangesetsPayload{}, xapierr.Protocol{State: "INIT", Detail: "bad from_revision varint"}
	}
	p.FromRevision = rev
	p.Path = string(body[16+n:])
	return p, nil
}

// welcomePayload is REPLY_WELCOME's body: (uuid, revision, path).
type welcomePayload struct {
	UUID     wal.UUID
	Revision uint64
	Path     string
}

func encodeWelcome(p welcomePayload) []byte {
	buf := make([]byte, 0, 16+binary.MaxVarintLen64+len(p.Path))
	buf = append(buf, p.UUID[:]...)
	var rb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(rb[:], p.Revision)
	buf = append(buf, rb[:n]...)
	buf = append(buf, p.Path...)
	return buf
}

func decodeWelcome(body []byte) (welcomePayload, error) {
	if len(body) < 16 {
		return welcomePayload{}, xapierr.Protocol{State: "INIT", Detail: "short REPLY_WELCOME payload"}
	}
	var p welcomePayload
	copy(p.UUID[:], body[:16])
	rev, n := binary.Uvarint(body[16:])
	if n <= 0 {
		return welcomePayload{}, xapierr.Protocol{State: "INIT", Detail: "bad revision varint"}
	}
	p.Revision = rev
	p.Path = string(body[16+n:])
	return p, nil
}

// dbHeaderPayload is REPLY_DB_HEADER's body: (uuid, revision).
type dbHeaderPayload struct {
	UUID     wal.UUID
	Revision uint64
}

func encodeDBHeader(p dbHeaderPayload) []byte {
	buf := make([]byte, 0, 16+binary.MaxVarintLen64)
	buf = append(buf, p.UUID[:]...)
	var rb [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(rb[:], p.Revision)
	return append(buf, rb[:n]...)
}

func decodeDBHeader(body []byte) (dbHeaderPayload, error) {
	if len(body) < 16 {
		return dbHeaderPayload{}, xapierr.Protocol{State: "STREAMING", Detail: "short REPLY_DB_HEADER payload"}
	}
	var p dbHeaderPayload
	copy(p.UUID[:], body[:16])
	rev, n := binary.Uvarint(body[16:])
	if n <= 0 {
		return dbHeaderPayload{}, xapierr.Protocol{State: "STREAMING", Detail: "bad revision varint"}
	}
	p.Revision = rev
	return p, nil
}

func encodeDBFooter(revision uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, revision)
	return buf[:n]
}

func decodeDBFooter(body []byte) (uint64, error) {
	rev, n := binary.Uvarint(body)
	if n <= 0 {
		return 0, xapierr.Protocol{State: "SNAPSHOT", Detail: "bad REPLY_DB_FOOTER revision varint"}
	}
	return rev, nil
}

// encodeChangeset builds the msgpack-free wire body of a REPLY_CHANGESET frame:
// a bare WAL record re-using wal's own revision/type/payload framing so
// the follower can hand it straight to wal.Replay-shaped application.
func encodeChangeset(rec wal.Record) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(rec.Payload))
	var hdr [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], rec.Revision)
	n += binary.PutUvarint(hdr[n:], uint64(rec.Type))
	buf = append(buf, hdr[:n]...)
	buf = append(buf, rec.Payload...)
	return buf
}

func decodeChangeset(body []byte) (wal.Record, error) {
	revision, n := binary.Uvarint(body)
	if n <= 0 {
		return wal.Record{}, io.ErrUnexpectedEOF
	}
	opType, n2 := binary.Uvarint(body[n:])
	if n2 <= 0 {
		return wal.Record{}, io.ErrUnexpectedEOF
	}
	return wal.Record{Revision: revision, Type: wal.OpType(opType), Payload: body[n+n2:]}, nil
}
