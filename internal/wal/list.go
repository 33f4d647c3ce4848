package wal

import (
	"os"
	"path/filepath"
	"sort"
)

// ListVolumeBases returns the base revisions of every wal.<base> file in
// dir, sorted ascending. Quarantined files (see quarantine.go) are not
// wal.<n>-named and are excluded automatically.
func ListVolumeBases(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var bases []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if base, ok := ParseVolumeBase(filepath.Base(e.Name())); ok {
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// VolumeBaseFor returns the base of the volume that should hold the given
// revision: the highest base <= revision, falling back to the very
// first volume if revision predates everything on disk, or (0, false) if
// the directory holds no volumes at all.
func VolumeBaseFor(bases []uint64, revision uint64) (uint64, bool) {
	if len(bases) == 0 {
		return 0, false
	}
	best := bases[0]
	found := false
	for _, b := range bases {
		if b <= revision {
			best = b
			found = true
		}
	}
	if !found {
		return bases[0], true
	}
	return best, true
}
