package archive

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriteExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	a := writeSource(t, src, "a.txt", "alpha")
	b := writeSource(t, src, "sub/b.txt", "bravo")

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	w, err := NewWriter(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add("a.txt", a); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("sub/b.txt", b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bravo" {
		t.Errorf("extracted content = %q", got)
	}

	info, err := os.Stat(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestExtractFile(t *testing.T) {
	src := t.TempDir()
	a := writeSource(t, src, "keep.txt", "keep")
	b := writeSource(t, src, "skip.txt", "skip")

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	w, err := NewWriter(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add("keep.txt", a); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("skip.txt", b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := ExtractFile(archivePath, "keep.txt", dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err != nil {
		t.Error("selected file missing after extract")
	}
	if _, err := os.Stat(filepath.Join(dest, "skip.txt")); !os.IsNotExist(err) {
		t.Error("unselected file was extracted")
	}

	if err := ExtractFile(archivePath, "absent.txt", dest); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	// Build a hostile archive by hand.
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0o644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()
	f.Close()

	err = Extract(archivePath, t.TempDir())
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("Extract() error = %v, want ErrUnsafePath", err)
	}
}

func TestAddRejectsNonRegular(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	w, err := NewWriter(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	if err := w.Add("dir", t.TempDir()); err == nil {
		t.Fatal("expected error adding a directory")
	}
}
