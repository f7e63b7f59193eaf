package snapshot

import (
	"sync"
	"time"
)

// State is a phase of a snapshot run.
type State string

const (
	StateIdle        State = "idle"
	StateEnumerating State = "enumerating"
	StateDiffing     State = "diffing"
	StateSelecting   State = "selecting"
	StateArchiving   State = "archiving"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Status is a point-in-time view of a run.
type Status struct {
	State         State     `json:"state"`
	Type          string    `json:"type,omitempty"`
	SnapshotName  string    `json:"snapshot_name,omitempty"`
	FilesSeen     int64     `json:"files_seen"`
	FilesSelected int64     `json:"files_selected"`
	FilesSkipped  int64     `json:"files_skipped"`
	BytesArchived int64     `json:"bytes_archived"`
	CurrentPath   string    `json:"current_path,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
}

// tracker holds mutable run progress behind a mutex.
type tracker struct {
	mu     sync.Mutex
	status Status
}

func newTracker() *tracker {
	return &tracker{status: Status{State: StateIdle}}
}

func (t *tracker) update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

func (t *tracker) view() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
