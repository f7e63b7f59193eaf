package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalRemote implements Remote over a directory on the local filesystem.
// It backs same-host targets and the transfer tests.
type LocalRemote struct {
	root string
}

// NewLocalRemote creates a remote rooted at dir.
func NewLocalRemote(dir string) (*LocalRemote, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local target: %w", err)
	}
	return &LocalRemote{root: dir}, nil
}

func (l *LocalRemote) resolve(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *LocalRemote) EnsureDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(l.resolve(path), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func (l *LocalRemote) UploadTree(ctx context.Context, localDir, remoteDir string) error {
	dest := l.resolve(remoteDir)
	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func (l *LocalRemote) DownloadTree(ctx context.Context, remoteDir, localDir string) error {
	src := l.resolve(remoteDir)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(localDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func (l *LocalRemote) List(_ context.Context, path string) ([]Entry, error) {
	entries, err := os.ReadDir(l.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (l *LocalRemote) Delete(_ context.Context, path string) error {
	if err := os.RemoveAll(l.resolve(path)); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (l *LocalRemote) StatSize(_ context.Context, path string) (int64, error) {
	var total int64
	err := filepath.Walk(l.resolve(path), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return total, nil
}

func (l *LocalRemote) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
