// Package manifest defines the snapshot manifest format and the on-disk
// store that manages snapshot directories under a backup root.
package manifest

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of snapshot a manifest describes.
type Type string

const (
	TypeFull        Type = "full"
	TypeIncremental Type = "incremental"
	TypeDirectory   Type = "directory"
)

// TimestampLayout is the layout used in snapshot directory names. Names
// built from it sort lexicographically in chronological order.
const TimestampLayout = "20060102_150405"

// FileName is the manifest file inside each snapshot directory. A snapshot
// directory without it is treated as incomplete.
const FileName = "manifest.json"

// ArchiveName is the archive payload inside each snapshot directory.
const ArchiveName = "backup.tar.gz"

// FileEntry records one file captured by a snapshot.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest describes the contents of one snapshot directory.
type Manifest struct {
	Type       Type        `json:"type"`
	Timestamp  string      `json:"timestamp"`
	BaseBackup string      `json:"base_backup,omitempty"`
	Files      []FileEntry `json:"files"`
	Deleted    []string    `json:"deleted,omitempty"`
}

// SnapshotName returns the directory name for this manifest.
func (m *Manifest) SnapshotName() string {
	return fmt.Sprintf("%s_backup_%s", m.Type, m.Timestamp)
}

// CreatedAt parses the manifest timestamp.
func (m *Manifest) CreatedAt() (time.Time, error) {
	t, err := time.Parse(TimestampLayout, m.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", m.Timestamp, err)
	}
	return t, nil
}

// TotalSize returns the sum of all file entry sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Lookup returns the entry for a relative path, if present.
func (m *Manifest) Lookup(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Index builds a path-keyed map of the manifest entries. Diffing against a
// large parent snapshot uses this instead of repeated Lookup scans.
func (m *Manifest) Index() map[string]FileEntry {
	idx := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		idx[f.Path] = f
	}
	return idx
}

// ParseSnapshotName splits a snapshot directory name into its type and
// timestamp. It returns false for names that do not follow the
// <type>_backup_<timestamp> convention.
func ParseSnapshotName(name string) (Type, string, bool) {
	i := strings.Index(name, "_backup_")
	if i < 0 {
		return "", "", false
	}
	typ := Type(name[:i])
	ts := name[i+len("_backup_"):]
	switch typ {
	case TypeFull, TypeIncremental, TypeDirectory:
	default:
		return "", "", false
	}
	if _, err := time.Parse(TimestampLayout, ts); err != nil {
		return "", "", false
	}
	return typ, ts, true
}
