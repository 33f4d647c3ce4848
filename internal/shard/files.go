package shard

import (
	"os"
	"path/filepath"
	"strings"
)

// EngineFiles lists the on-disk files a full-database replication
// snapshot must copy (spec.md §6.1, §4.5 "known physical files of the
// engine's on-disk format"). It excludes WAL volumes (wal.<rev>, streamed
// separately as the changeset tail), quarantine directories, and
// in-progress replication temp directories (.tmp.*) — exactly the set a
// leader must never hand a follower, since those either duplicate the
// changeset stream or belong to someone else's in-flight transfer.
//
// The underlying engine here is a single bbolt file per shard path
// (shard.bolt); a real Xapian engine would instead enumerate
// postlist.glass/termlist.glass/position.glass/docdata.glass/
// spelling.glass/synonym.glass/iamglass plus docdata.<n> side files. This
// function's exclusion rules generalise unchanged to either layout.
func EngineFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "wal.") {
			continue
		}
		if strings.HasPrefix(name, ".tmp.") || strings.HasPrefix(name, ".wal.quarantine") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	return files, nil
}
