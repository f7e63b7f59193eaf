package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrNotFound is returned when no snapshot matches the request.
	ErrNotFound = errors.New("snapshot not found")
	// ErrNoFullBackup is returned when a parent full snapshot is required
	// but none exists.
	ErrNoFullBackup = errors.New("no completed full backup")
)

// Store manages snapshot directories and their manifests under a backup
// root. Snapshot completeness is defined by manifest presence: directories
// without a readable manifest.json are ignored.
type Store struct {
	root string
}

// NewStore opens a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the backup root directory.
func (s *Store) Root() string {
	return s.root
}

// SnapshotDir returns the absolute path of a snapshot directory.
func (s *Store) SnapshotDir(name string) string {
	return filepath.Join(s.root, name)
}

// Write stores the manifest inside its snapshot directory, creating the
// directory if needed. Writing the manifest is the final act of a snapshot;
// once it lands the snapshot is complete.
func (s *Store) Write(m *Manifest) error {
	dir := s.SnapshotDir(m.SnapshotName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// Read loads the manifest of the named snapshot. ErrNotFound is returned
// when the directory or its manifest is missing.
func (s *Store) Read(name string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.SnapshotDir(name), FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read manifest for %s: %w", name, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", name, err)
	}
	return &m, nil
}

// List returns names of all completed snapshots, oldest first. Directory
// name order is chronological order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, _, ok := ParseSnapshotName(e.Name()); !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), FileName)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LatestFull returns the most recent completed full snapshot.
func (s *Store) LatestFull() (*Manifest, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		typ, _, _ := ParseSnapshotName(names[i])
		if typ == TypeFull {
			return s.Read(names[i])
		}
	}
	return nil, ErrNoFullBackup
}

// Latest returns the most recent completed snapshot of any type.
func (s *Store) Latest() (*Manifest, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.Read(names[len(names)-1])
}

// Chain walks base_backup links from the named snapshot back to its full
// snapshot and returns the chain ordered full-first. A broken link is an
// error: restoring from such a chain would silently lose data.
func (s *Store) Chain(name string) ([]*Manifest, error) {
	var chain []*Manifest
	seen := map[string]bool{}
	for name != "" {
		if seen[name] {
			return nil, fmt.Errorf("snapshot chain cycle at %s", name)
		}
		seen[name] = true
		m, err := s.Read(name)
		if err != nil {
			return nil, fmt.Errorf("chain link %s: %w", name, err)
		}
		chain = append(chain, m)
		name = m.BaseBackup
	}
	// Reverse so the full snapshot comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Dependents returns names of completed snapshots whose base_backup chain
// includes the named snapshot.
func (s *Store) Dependents(name string) ([]string, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, candidate := range names {
		if candidate == name {
			continue
		}
		chain, err := s.Chain(candidate)
		if err != nil {
			continue
		}
		for _, m := range chain {
			if m.SnapshotName() == name {
				deps = append(deps, candidate)
				break
			}
		}
	}
	return deps, nil
}

// Delete removes a snapshot directory and everything in it.
func (s *Store) Delete(name string) error {
	if _, _, ok := ParseSnapshotName(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	dir := s.SnapshotDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	return nil
}

// DiskUsage returns the total size in bytes of all files under the backup
// root.
func (s *Store) DiskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk backup root: %w", err)
	}
	return total, nil
}
