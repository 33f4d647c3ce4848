// Package config holds the validated configuration structs for the pool,
// WAL, and replication subsystems. It generalises the teacher's Config +
// validateConfig pattern (database.go) from a single flat struct into one
// section per subsystem.
package config

import (
	"time"
)

// Pool holds ShardEndpoint/DatabasePool sizing knobs (spec.md §4.2/§4.3).
type Pool struct {
	// MaxDatabaseReaders bounds the number of readable shards held open
	// per endpoint.
	MaxDatabaseReaders int

	// LocalUpdateThreshold is the age beyond which a local readable
	// shard is always reopened.
	LocalUpdateThreshold time.Duration

	// RemoteUpdateThreshold is the age beyond which a remote readable
	// shard is reopened.
	RemoteUpdateThreshold time.Duration

	// EvictIdle is the renew_time age beyond which an idle, unreferenced
	// endpoint is cleared and evicted during a non-immediate cleanup.
	EvictIdle time.Duration

	// EvictIdleUnderPressure is the shorter renew_time age used when the
	// pool is oversize and applying eviction pressure.
	EvictIdleUnderPressure time.Duration

	// AutocommitMin/Max bound the debounce window used to coalesce
	// checkins into a single scheduled commit per endpoint.
	AutocommitMin time.Duration
	AutocommitMax time.Duration

	// MaxEndpoints is the LRU capacity before eviction pressure applies.
	MaxEndpoints int
}

// WAL holds write-ahead log sizing and durability knobs (spec.md §4.4).
type WAL struct {
	// SlotCount is the compile-time-constant-sized per-volume slot
	// table length (spec.md §3: "N is a compile-time constant").
	SlotCount int

	// WriterPoolSize is the number of WAL writer worker goroutines.
	WriterPoolSize int

	// OpenVolumeCacheSize bounds the per-worker LRU of open volumes.
	OpenVolumeCacheSize int

	// Dir is the directory holding wal.<rev> volumes for a given shard
	// path; by convention it is the shard path itself.
	Dir string
}

// Replication holds replication session timeouts and retry knobs
// (spec.md §5, §6.2).
type Replication struct {
	IdleTimeout     time.Duration
	ActiveTimeout   time.Duration
	SnapshotRetries int
	ChangesetRounds int
	BackoffMax      time.Duration
	ServerPort      int
}

// Config aggregates every subsystem's configuration.
type Config struct {
	DataDir     string
	Pool        Pool
	WAL         WAL
	Replication Replication
}

// Default returns the configuration the teacher's Open() uses as sensible
// defaults, generalised across subsystems.
func Default() *Config {
	return &Config{
		DataDir: ".",
		Pool: Pool{
			MaxDatabaseReaders:     10,
			LocalUpdateThreshold:   10 * time.Second,
			RemoteUpdateThreshold:  3 * time.Second,
			EvictIdle:              3600 * time.Second,
			EvictIdleUnderPressure: 60 * time.Second,
			AutocommitMin:          1 * time.Second,
			AutocommitMax:          9 * time.Second,
			MaxEndpoints:           1000,
		},
		WAL: WAL{
			SlotCount:           1000,
			WriterPoolSize:      4,
			OpenVolumeCacheSize: 64,
		},
		Replication: Replication{
			IdleTimeout:     60 * time.Second,
			ActiveTimeout:   15 * time.Second,
			SnapshotRetries: 5,
			ChangesetRounds: 5,
			BackoffMax:      3000 * time.Millisecond,
			ServerPort:      9999, // conventional XAPIAND_REPLICATION_SERVERPORT default
		},
	}
}

// Validate mirrors the teacher's validateConfig: reject nonsensical values
// before anything is opened.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("DataDir", c.DataDir, "cannot be empty")
	}
	if c.Pool.MaxDatabaseReaders <= 0 {
		return invalid("Pool.MaxDatabaseReaders", c.Pool.MaxDatabaseReaders, "must be positive")
	}
	if c.Pool.AutocommitMin <= 0 || c.Pool.AutocommitMax < c.Pool.AutocommitMin {
		return invalid("Pool.Autocommit{Min,Max}", c.Pool.AutocommitMax, "max must be >= min > 0")
	}
	if c.WAL.SlotCount <= 0 {
		return invalid("WAL.SlotCount", c.WAL.SlotCount, "must be positive")
	}
	if c.WAL.WriterPoolSize <= 0 {
		return invalid("WAL.WriterPoolSize", c.WAL.WriterPoolSize, "must be positive")
	}
	if c.Replication.SnapshotRetries <= 0 || c.Replication.ChangesetRounds <= 0 {
		return invalid("Replication.{SnapshotRetries,ChangesetRounds}", c.Replication.SnapshotRetries, "must be positive")
	}
	return nil
}

type invalidConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e invalidConfigError) Error() string {
	return "invalid config " + e.Field + ": " + e.Reason
}

func invalid(field string, value interface{}, reason string) error {
	return invalidConfigError{Field: field, Value: value, Reason: reason}
}
