package shard

// Flags is the bit set consumers combine when opening a shard. It is part
// of the public contract of the pool (spec.md §6.4) but lives here because
// it also governs what a bare Shard.Open call does.
type Flags uint32

const (
	// OPEN opens an existing database; fails if absent.
	OPEN Flags = 0
	// CREATE_OR_OPEN creates the database if missing, otherwise opens it.
	CREATE_OR_OPEN Flags = 1 << iota
	// WRITABLE requests the writable slot; only one is grantable per
	// endpoint.
	WRITABLE
	// NO_WAL disables WAL logging for this handle's writes.
	NO_WAL
	// SYNC_WAL forces synchronous (same-thread) WAL writes instead of
	// enqueueing onto the writer pool.
	SYNC_WAL
	// NOSTORAGE disables the blob/external-storage side-file.
	NOSTORAGE
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }
