// Package archive streams snapshot payloads as gzip-compressed tar files.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafePath is returned when an archive entry would escape the
// extraction directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// Writer builds a snapshot archive. Entries are added one file at a time
// and streamed through the compressor, so memory use is independent of
// file size.
type Writer struct {
	f  *os.File
	gz *gzip.Writer
	tw *tar.Writer
}

// NewWriter creates the archive file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	gz, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	return &Writer{f: f, gz: gz, tw: tar.NewWriter(gz)}, nil
}

// Add appends the file at absPath under the entry name relPath, preserving
// mode and modification time.
func (w *Writer) Add(relPath, absPath string) error {
	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", absPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", absPath)
	}

	// Open before writing the header: a header without its payload would
	// corrupt the stream for every later entry.
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", absPath, err)
	}
	defer f.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %s: %w", absPath, err)
	}
	hdr.Name = filepath.ToSlash(relPath)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", relPath, err)
	}
	if _, err := io.Copy(w.tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", relPath, err)
	}
	return nil
}

// Close flushes the tar and gzip layers and closes the archive file.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		w.gz.Close()
		w.f.Close()
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("finalize gzip: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// Abort closes and removes a partially written archive.
func (w *Writer) Abort() {
	w.tw.Close()
	w.gz.Close()
	w.f.Close()
	os.Remove(w.f.Name())
}

// Extract unpacks the archive at archivePath into dest, restoring file
// modes and modification times. Entries that would escape dest are
// rejected.
func Extract(archivePath, dest string) error {
	return extract(archivePath, dest, func(string) bool { return true })
}

// ExtractFile unpacks only the entry named relPath into dest.
func ExtractFile(archivePath, relPath, dest string) error {
	relPath = filepath.ToSlash(relPath)
	found := false
	err := extract(archivePath, dest, func(name string) bool {
		if name == relPath {
			found = true
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("entry not found in archive: %s", relPath)
	}
	return nil
}

func extract(archivePath, dest string, want func(string) bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open compressed stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !want(hdr.Name) {
			continue
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent for %s: %w", hdr.Name, err)
		}
		if err := writeEntry(target, tr, hdr); err != nil {
			return err
		}
	}
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
	if err != nil {
		return fmt.Errorf("create %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", hdr.Name, err)
	}
	if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
		return fmt.Errorf("restore mtime for %s: %w", hdr.Name, err)
	}
	return nil
}

func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, cleaned), nil
}
