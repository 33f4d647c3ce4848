package wal

import (
	"context"
	"os"

	"github.com/xapiand/xapiand-core/internal/xapierr"
)

// Applier executes a single replayed record against a shard with logging
// suppressed (spec.md §4.4: "Execute via the Shard with wal_=true").
type Applier interface {
	Apply(ctx context.Context, rec Record) error
}

// Open opens an existing volume file only — it never creates one, so
// Replay fails loudly rather than silently fabricating an empty volume.
func Open(dir string, base uint64, uuid UUID) (*Volume, error) {
	path := VolumePath(dir, base)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xapierr.CorruptWAL{Path: path, Reason: "missing volume"}
		}
		return nil, xapierr.IOError{Op: "open wal volume", Err: err}
	}
	return openExisting(path, f, uuid, base)
}

// Replay reconstructs state from reopenRevision forward by streaming every
// record in every relevant volume through apply, in strictly ascending
// revision order (spec.md §4.4 "Replay (execute) algorithm").
//
// The spec's own description of this loop notes that the original C++
// mutates the loop bound it iterates over; here we use an explicit
// ascending list of volume bases and a separate `reached` tracker instead,
// per spec.md §9's guidance.
func Replay(ctx context.Context, dir string, uuid UUID, reopenRevision uint64, apply Applier) error {
	bases, err := ListVolumeBases(dir)
	if err != nil {
		return xapierr.IOError{Op: "list wal volumes", Err: err}
	}
	if len(bases) == 0 {
		if reopenRevision == 0 {
			return nil
		}
		return xapierr.CorruptWAL{Path: dir, Reason: "no WAL volumes found but a non-zero revision was expected"}
	}

	first, _ := VolumeBaseFor(bases, reopenRevision)
	reached := uint64(0)
	current := reopenRevision

	for _, base := range bases {
		if base < first {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		vol, err := Open(dir, base, uuid)
		if err != nil {
			if _, ok := err.(xapierr.CorruptWAL); ok {
				_ = QuarantineAll(dir, "replay-open-corruption")
			}
			return err
		}

		high := vol.HighestValidSlot()
		var startOffset uint64
		if base == first {
			slot := SlotForRevision(reopenRevision, base)
			if reopenRevision == base {
				startOffset = uint64(headerSize(vol.SlotCount()))
			} else if slot >= 0 && int(slot) <= high {
				startOffset = vol.SlotOffset(int(slot))
				// The slot table itself confirms a record for reopenRevision
				// was already written, so that baseline needs no further
				// proof from replayed records: a reopen with nothing
				// pending past it must not be mistaken for "never reached".
				reached = reopenRevision
			} else {
				startOffset = uint64(headerSize(vol.SlotCount()))
			}
		} else {
			startOffset = uint64(headerSize(vol.SlotCount()))
		}

		var endOffset uint64
		if high >= 0 {
			endOffset = vol.SlotOffset(high)
		} else {
			endOffset = startOffset
		}

		records, err := vol.ReadFrom(startOffset, endOffset)
		vol.Close()
		if err != nil {
			_ = QuarantineAll(dir, "replay-corruption")
			return err
		}

		for _, rec := range records {
			// Every record — mutation or commit — is stamped with the
			// revision it is pending for (spec.md §4.4: a record's
			// embedded revision must match the Shard's current
			// revision, i.e. current+1, or the volume is corrupt).
			if expected := current + 1; rec.Revision != expected {
				_ = QuarantineAll(dir, "replay-revision-mismatch")
				return xapierr.CorruptWAL{Path: dir, Reason: "record revision out of sequence"}
			}
			if err := apply.Apply(ctx, rec); err != nil {
				return err
			}
			if rec.Type == OpCommit {
				reached = rec.Revision
				current = rec.Revision
			}
		}
	}

	if reached < reopenRevision {
		_ = QuarantineAll(dir, "replay-incomplete")
		return xapierr.CorruptWAL{Path: dir, Reason: "did not reach current revision"}
	}
	return nil
}

// ReadSince returns every record with revision strictly greater than
// `from`, in ascending order, across every relevant volume — the read-only
// counterpart of Replay used by replication's leader side to stream
// REPLY_CHANGESET frames (spec.md §4.5 "For each WAL record starting at
// revision from up to current R"). Unlike Replay it never quarantines: a
// leader streaming changesets to a follower is not the place to declare
// the local database corrupt.
func ReadSince(dir string, uuid UUID, from uint64) ([]Record, error) {
	bases, err := ListVolumeBases(dir)
	if err != nil {
		return nil, xapierr.IOError{Op: "list wal volumes", Err: err}
	}
	if len(bases) == 0 {
		return nil, nil
	}

	first, _ := VolumeBaseFor(bases, from)
	var out []Record

	for _, base := range bases {
		if base < first {
			continue
		}
		vol, err := Open(dir, base, uuid)
		if err != nil {
			return out, err
		}

		high := vol.HighestValidSlot()
		var startOffset uint64
		if base == first {
			slot := SlotForRevision(from, base)
			if from == base {
				startOffset = uint64(headerSize(vol.SlotCount()))
			} else if slot >= 0 && int(slot) <= high {
				startOffset = vol.SlotOffset(int(slot))
			} else {
				startOffset = uint64(headerSize(vol.SlotCount()))
			}
		} else {
			startOffset = uint64(headerSize(vol.SlotCount()))
		}

		var endOffset uint64
		if high >= 0 {
			endOffset = vol.SlotOffset(high)
		} else {
			endOffset = startOffset
		}

		records, err := vol.ReadFrom(startOffset, endOffset)
		vol.Close()
		if err != nil {
			return out, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// Describe returns a read-only, non-blocking structural snapshot of the
// WAL for inspection — the teacher's role model is the separate to_string
// API spec.md §4.4 calls for (debug dump that never mutates state).
type VolumeDescription struct {
	Base         uint64
	SlotCount    int
	HighestValid int
	WriteOffset  uint64
	UUID         UUID
}

type Description struct {
	Dir     string
	Volumes []VolumeDescription
}

func Describe(dir string, uuid UUID) (*Description, error) {
	bases, err := ListVolumeBases(dir)
	if err != nil {
		return nil, err
	}
	desc := &Description{Dir: dir}
	for _, base := range bases {
		vol, err := Open(dir, base, uuid)
		if err != nil {
			continue
		}
		desc.Volumes = append(desc.Volumes, VolumeDescription{
			Base:         vol.Base(),
			SlotCount:    vol.SlotCount(),
			HighestValid: vol.HighestValidSlot(),
			WriteOffset:  vol.header.WriteOffset,
			UUID:         vol.header.UUID,
		})
		vol.Close()
	}
	return desc, nil
}
