package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xapiand/xapiand-core/internal/metrics"
)

const quarantineDirName = ".wal.quarantine"

// QuarantineVolume renames a single corrupt volume aside (never deletes
// it), so it can be inspected after the fact (spec.md §7: "files are
// renamed aside").
func QuarantineVolume(dir string, base uint64, reason string) error {
	return quarantineFile(VolumePath(dir, base), reason)
}

// QuarantineAll renames every wal.* volume in dir aside. Used when replay
// hits corruption and the whole log for a path can no longer be trusted
// (spec.md S5: "renames wal.* aside").
func QuarantineAll(dir string, reason string) error {
	bases, err := ListVolumeBases(dir)
	if err != nil {
		return err
	}
	for _, base := range bases {
		if err := quarantineFile(VolumePath(dir, base), reason); err != nil {
			return err
		}
	}
	return nil
}

func quarantineFile(path string, reason string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	qdir := filepath.Join(filepath.Dir(path), quarantineDirName)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(qdir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		return err
	}
	metrics.WALQuarantineTotal.WithLabelValues(reason).Inc()
	return nil
}
