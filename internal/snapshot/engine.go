// Package snapshot implements the engine that produces full, incremental,
// and directory snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/archive"
	"github.com/linwinbackup/linwin/internal/excludes"
	"github.com/linwinbackup/linwin/internal/hasher"
	"github.com/linwinbackup/linwin/internal/manifest"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// SkippedFile records one file the run could not capture.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result summarizes a completed run.
type Result struct {
	Manifest      *manifest.Manifest
	Outcome       Outcome
	FilesTotal    int64
	FilesSkipped  int64
	Skipped       []SkippedFile
	BytesArchived int64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Engine produces snapshots into a manifest store. One engine runs at most
// one snapshot at a time; Progress is safe to call from other goroutines.
type Engine struct {
	store   *manifest.Store
	matcher *excludes.Matcher
	logger  zerolog.Logger
	track   *tracker
	now     func() time.Time
}

// New creates an engine writing into store. matcher may be nil when nothing
// is excluded.
func New(store *manifest.Store, matcher *excludes.Matcher, logger zerolog.Logger) *Engine {
	if matcher == nil {
		matcher, _ = excludes.NewMatcher(nil)
	}
	return &Engine{
		store:   store,
		matcher: matcher,
		logger:  logger.With().Str("component", "snapshot").Logger(),
		track:   newTracker(),
		now:     time.Now,
	}
}

// Progress returns the current run status.
func (e *Engine) Progress() Status {
	return e.track.view()
}

type candidate struct {
	rel  string
	abs  string
	size int64
}

// RunFull captures every file under sourceDir.
func (e *Engine) RunFull(ctx context.Context, sourceDir string) (*Result, error) {
	return e.run(ctx, manifest.TypeFull, sourceDir, nil)
}

// RunDirectory captures an arbitrary directory with full semantics.
func (e *Engine) RunDirectory(ctx context.Context, sourceDir string) (*Result, error) {
	return e.run(ctx, manifest.TypeDirectory, sourceDir, nil)
}

// RunIncremental captures the files that changed since the latest completed
// full snapshot. When no full snapshot exists the run is promoted to a full
// one.
func (e *Engine) RunIncremental(ctx context.Context, sourceDir string) (*Result, error) {
	parent, err := e.store.LatestFull()
	if err != nil {
		if errors.Is(err, manifest.ErrNoFullBackup) {
			e.logger.Info().Msg("no completed full backup, promoting to full")
			return e.run(ctx, manifest.TypeFull, sourceDir, nil)
		}
		return nil, err
	}
	return e.run(ctx, manifest.TypeIncremental, sourceDir, parent)
}

func (e *Engine) run(ctx context.Context, typ manifest.Type, sourceDir string, parent *manifest.Manifest) (result *Result, err error) {
	started := e.now()
	m := &manifest.Manifest{
		Type:      typ,
		Timestamp: started.Format(manifest.TimestampLayout),
	}
	if parent != nil {
		m.BaseBackup = parent.SnapshotName()
	}
	name := m.SnapshotName()

	e.track.update(func(s *Status) {
		*s = Status{State: StateEnumerating, Type: string(typ), SnapshotName: name, StartedAt: started}
	})
	log := e.logger.With().Str("snapshot", name).Logger()
	log.Info().Str("source", sourceDir).Str("type", string(typ)).Msg("starting snapshot")

	var skipped []SkippedFile
	skip := func(path string, reason error) {
		skipped = append(skipped, SkippedFile{Path: path, Reason: reason.Error()})
		e.track.update(func(s *Status) { s.FilesSkipped++ })
		log.Warn().Str("path", path).Err(reason).Msg("skipping file")
	}

	fail := func(err error) (*Result, error) {
		e.track.update(func(s *Status) { s.State = StateFailed })
		os.RemoveAll(e.store.SnapshotDir(name))
		return nil, err
	}

	candidates, err := e.enumerate(ctx, sourceDir, skip)
	if err != nil {
		return fail(err)
	}

	var parentIndex map[string]manifest.FileEntry
	if parent != nil {
		e.track.update(func(s *Status) { s.State = StateDiffing })
		parentIndex = parent.Index()
	}

	e.track.update(func(s *Status) { s.State = StateSelecting })
	selected, entries, err := e.selectFiles(ctx, candidates, parentIndex, skip)
	if err != nil {
		return fail(err)
	}
	e.track.update(func(s *Status) { s.FilesSelected = int64(len(selected)) })

	if parent != nil {
		seen := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			seen[c.rel] = true
		}
		for path := range parentIndex {
			if !seen[path] {
				m.Deleted = append(m.Deleted, path)
			}
		}
	}

	e.track.update(func(s *Status) { s.State = StateArchiving })
	dir := e.store.SnapshotDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(fmt.Errorf("create snapshot dir: %w", err))
	}
	archived, bytesArchived, err := e.archiveFiles(ctx, filepath.Join(dir, manifest.ArchiveName), selected, entries, skip)
	if err != nil {
		return fail(err)
	}
	m.Files = archived

	e.track.update(func(s *Status) {
		s.State = StateFinalizing
		s.BytesArchived = bytesArchived
		s.CurrentPath = ""
	})
	// Writing the manifest marks the snapshot complete; everything before
	// this point is invisible to readers.
	if err := e.store.Write(m); err != nil {
		return fail(fmt.Errorf("finalize snapshot: %w", err))
	}

	outcome := OutcomeSuccess
	if len(skipped) > 0 {
		outcome = OutcomePartial
	}
	e.track.update(func(s *Status) { s.State = StateDone })
	finished := e.now()
	log.Info().
		Int("files", len(m.Files)).
		Int("skipped", len(skipped)).
		Int64("bytes", bytesArchived).
		Str("outcome", string(outcome)).
		Dur("duration", finished.Sub(started)).
		Msg("snapshot complete")

	return &Result{
		Manifest:      m,
		Outcome:       outcome,
		FilesTotal:    int64(len(m.Files)),
		FilesSkipped:  int64(len(skipped)),
		Skipped:       skipped,
		BytesArchived: bytesArchived,
		StartedAt:     started,
		FinishedAt:    finished,
	}, nil
}

func (e *Engine) enumerate(ctx context.Context, sourceDir string, skip func(string, error)) ([]candidate, error) {
	var out []candidate
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			// A failure on the source root itself means the whole walk is
			// unusable; publishing a snapshot from it would look like every
			// file was deleted.
			if rel == "." {
				return fmt.Errorf("read source %s: %w", sourceDir, walkErr)
			}
			// Unreadable entry: record and move on.
			skip(rel, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if rel != "." && e.matcher.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if e.matcher.Match(rel, false) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			skip(rel, infoErr)
			return nil
		}
		out = append(out, candidate{rel: rel, abs: path, size: info.Size()})
		e.track.update(func(s *Status) {
			s.FilesSeen++
			s.CurrentPath = rel
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", sourceDir, err)
	}
	return out, nil
}

// selectFiles hashes every candidate and keeps the ones that are new or
// changed relative to the parent index. The hash doubles as the manifest
// entry, so nothing is hashed twice.
func (e *Engine) selectFiles(ctx context.Context, candidates []candidate, parentIndex map[string]manifest.FileEntry, skip func(string, error)) ([]candidate, map[string]manifest.FileEntry, error) {
	var selected []candidate
	entries := make(map[string]manifest.FileEntry)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		e.track.update(func(s *Status) { s.CurrentPath = c.rel })

		if parentIndex != nil {
			if prev, ok := parentIndex[c.rel]; ok && prev.Size == c.size {
				sum, err := hasher.HashFile(c.abs)
				if err != nil {
					skip(c.rel, err)
					continue
				}
				if sum == prev.Hash {
					continue
				}
				selected = append(selected, c)
				entries[c.rel] = manifest.FileEntry{Path: c.rel, Hash: sum, Size: c.size}
				continue
			}
		}
		sum, err := hasher.HashFile(c.abs)
		if err != nil {
			skip(c.rel, err)
			continue
		}
		selected = append(selected, c)
		entries[c.rel] = manifest.FileEntry{Path: c.rel, Hash: sum, Size: c.size}
	}
	return selected, entries, nil
}

func (e *Engine) archiveFiles(ctx context.Context, archivePath string, selected []candidate, entries map[string]manifest.FileEntry, skip func(string, error)) ([]manifest.FileEntry, int64, error) {
	w, err := archive.NewWriter(archivePath)
	if err != nil {
		return nil, 0, err
	}

	var out []manifest.FileEntry
	var total int64
	for _, c := range selected {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, 0, err
		}
		e.track.update(func(s *Status) { s.CurrentPath = c.rel })
		if err := w.Add(c.rel, c.abs); err != nil {
			// The file vanished or became unreadable after selection.
			skip(c.rel, err)
			continue
		}
		entry := entries[c.rel]
		out = append(out, entry)
		total += entry.Size
		e.track.update(func(s *Status) { s.BytesArchived = total })
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
