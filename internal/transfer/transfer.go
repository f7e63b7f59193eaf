// Package transfer moves snapshot directories between the agent and remote
// backup storage.
package transfer

import (
	"context"
	"errors"
)

// ErrAuthFailed indicates the remote rejected our credentials. Callers
// treat it differently from transport errors: retrying without new
// credentials is pointless.
var ErrAuthFailed = errors.New("authentication failed")

// Entry describes one remote object or directory.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// Remote is a backup storage target. Implementations are SFTP, S3, and the
// local filesystem. Uploads are idempotent: re-uploading a tree overwrites
// whatever is there.
type Remote interface {
	// EnsureDirectory creates the remote directory and any missing
	// parents. Existing directories are not an error.
	EnsureDirectory(ctx context.Context, path string) error
	// UploadTree copies the local directory tree rooted at localDir into
	// remoteDir, preserving relative paths.
	UploadTree(ctx context.Context, localDir, remoteDir string) error
	// DownloadTree copies the remote tree into localDir.
	DownloadTree(ctx context.Context, remoteDir, localDir string) error
	// List returns the entries directly under the remote path.
	List(ctx context.Context, path string) ([]Entry, error)
	// Delete removes the remote path recursively.
	Delete(ctx context.Context, path string) error
	// StatSize returns the total size in bytes of the remote tree.
	StatSize(ctx context.Context, path string) (int64, error)
	// Close releases the connection.
	Close() error
}
