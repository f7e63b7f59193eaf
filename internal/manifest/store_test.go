package manifest

import (
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseSnapshotName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
		wantTy Type
	}{
		{"full", "full_backup_20250101_120000", true, TypeFull},
		{"incremental", "incremental_backup_20250102_030405", true, TypeIncremental},
		{"directory", "directory_backup_20250103_000000", true, TypeDirectory},
		{"unknown type", "weekly_backup_20250101_120000", false, ""},
		{"bad timestamp", "full_backup_not-a-time", false, ""},
		{"unrelated dir", "lost+found", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, _, ok := ParseSnapshotName(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseSnapshotName(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && typ != tt.wantTy {
				t.Errorf("type = %s, want %s", typ, tt.wantTy)
			}
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	m := &Manifest{
		Type:      TypeFull,
		Timestamp: "20250110_090000",
		Files: []FileEntry{
			{Path: "docs/a.txt", Hash: "aa", Size: 3},
			{Path: "docs/b.txt", Hash: "bb", Size: 7},
		},
	}
	if err := s.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := s.Read(m.SnapshotName())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Type != TypeFull || len(got.Files) != 2 {
		t.Errorf("Read() = %+v", got)
	}
	if got.TotalSize() != 10 {
		t.Errorf("TotalSize() = %d, want 10", got.TotalSize())
	}
	if _, ok := got.Lookup("docs/b.txt"); !ok {
		t.Error("Lookup(docs/b.txt) missed")
	}
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read("full_backup_20250101_000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}
}

func TestListOrdersChronologically(t *testing.T) {
	s := newTestStore(t)
	stamps := []string{"20250103_000000", "20250101_000000", "20250102_000000"}
	for _, ts := range stamps {
		if err := s.Write(&Manifest{Type: TypeFull, Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}

	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"full_backup_20250101_000000",
		"full_backup_20250102_000000",
		"full_backup_20250103_000000",
	}
	if len(names) != len(want) {
		t.Fatalf("List() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestIncompleteSnapshotIgnored(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write(&Manifest{Type: TypeFull, Timestamp: "20250101_000000"}); err != nil {
		t.Fatal(err)
	}
	// A directory with no manifest is an interrupted run and must be invisible.
	if err := os.MkdirAll(s.SnapshotDir("full_backup_20250102_000000"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "full_backup_20250101_000000" {
		t.Errorf("List() = %v, want only the completed snapshot", names)
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Timestamp != "20250101_000000" {
		t.Errorf("Latest() = %s", latest.SnapshotName())
	}
}

func TestLatestFull(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LatestFull(); !errors.Is(err, ErrNoFullBackup) {
		t.Fatalf("LatestFull() error = %v, want ErrNoFullBackup", err)
	}

	for _, m := range []*Manifest{
		{Type: TypeFull, Timestamp: "20250101_000000"},
		{Type: TypeIncremental, Timestamp: "20250102_000000", BaseBackup: "full_backup_20250101_000000"},
		{Type: TypeFull, Timestamp: "20250103_000000"},
		{Type: TypeIncremental, Timestamp: "20250104_000000", BaseBackup: "full_backup_20250103_000000"},
	} {
		if err := s.Write(m); err != nil {
			t.Fatal(err)
		}
	}

	full, err := s.LatestFull()
	if err != nil {
		t.Fatal(err)
	}
	if full.Timestamp != "20250103_000000" {
		t.Errorf("LatestFull() = %s", full.SnapshotName())
	}
}

func TestChain(t *testing.T) {
	s := newTestStore(t)
	for _, m := range []*Manifest{
		{Type: TypeFull, Timestamp: "20250101_000000"},
		{Type: TypeIncremental, Timestamp: "20250102_000000", BaseBackup: "full_backup_20250101_000000"},
		{Type: TypeIncremental, Timestamp: "20250103_000000", BaseBackup: "incremental_backup_20250102_000000"},
	} {
		if err := s.Write(m); err != nil {
			t.Fatal(err)
		}
	}

	chain, err := s.Chain("incremental_backup_20250103_000000")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("Chain() length = %d, want 3", len(chain))
	}
	if chain[0].Type != TypeFull {
		t.Errorf("chain[0] = %s, want the full snapshot first", chain[0].SnapshotName())
	}

	deps, err := s.Dependents("full_backup_20250101_000000")
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 {
		t.Errorf("Dependents() = %v, want both incrementals", deps)
	}
}

func TestChainBrokenLink(t *testing.T) {
	s := newTestStore(t)
	err := s.Write(&Manifest{
		Type:       TypeIncremental,
		Timestamp:  "20250102_000000",
		BaseBackup: "full_backup_20250101_000000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Chain("incremental_backup_20250102_000000"); err == nil {
		t.Fatal("expected error for missing chain parent")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	m := &Manifest{Type: TypeFull, Timestamp: "20250101_000000"}
	if err := s.Write(m); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(m.SnapshotName()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(m.SnapshotName()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
