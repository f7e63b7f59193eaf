// Package control defines the typed messages exchanged between agents and
// the server. Every message crosses the wire inside an encrypted envelope;
// the plaintext structures here are what each side encodes and decodes.
package control

import (
	"crypto/rsa"
	"time"

	"github.com/linwinbackup/linwin/internal/crypto"
)

// Outcome classifies how a backup run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// HostMetrics is the resource snapshot an agent attaches to its status.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskTotal     uint64  `json:"disk_total"`
	DiskFree      uint64  `json:"disk_free"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// CurrentBackup describes a run in progress, if any.
type CurrentBackup struct {
	Type          string    `json:"type"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	FilesSeen     int64     `json:"files_seen"`
	FilesSelected int64     `json:"files_selected"`
	BytesArchived int64     `json:"bytes_archived"`
}

// StatusUpdate is the periodic heartbeat an agent posts to the server.
type StatusUpdate struct {
	ClientID      string         `json:"client_id"`
	Hostname      string         `json:"hostname"`
	System        string         `json:"system"`
	Version       string         `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        string         `json:"status"`
	CurrentBackup *CurrentBackup `json:"current_backup,omitempty"`
	Metrics       *HostMetrics   `json:"metrics,omitempty"`
}

// ScheduleEntry is one scheduled backup job.
type ScheduleEntry struct {
	Type        string   `json:"type"`
	Cron        string   `json:"cron"`
	SourcePaths []string `json:"source_paths,omitempty"`
	Target      string   `json:"target,omitempty"`
}

// ScheduleResponse carries a client's schedule from the server.
type ScheduleResponse struct {
	Entries []ScheduleEntry `json:"entries"`
}

// BackupResult reports a completed run to the server.
type BackupResult struct {
	ClientID      string    `json:"client_id"`
	SnapshotName  string    `json:"snapshot_name"`
	Type          string    `json:"type"`
	Outcome       Outcome   `json:"outcome"`
	FilesTotal    int64     `json:"files_total"`
	FilesSkipped  int64     `json:"files_skipped"`
	BytesArchived int64     `json:"bytes_archived"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`
}

// EncryptFor seals a message for the recipient's public key, producing the
// encrypted_data string used on the wire.
func EncryptFor(recipient *rsa.PublicKey, msg any) (string, error) {
	return crypto.SealJSON(recipient, msg)
}

// Decrypt opens an encrypted_data string with the local private key into
// the expected message type.
func Decrypt[T any](priv *rsa.PrivateKey, encrypted string) (*T, error) {
	var msg T
	if err := crypto.OpenJSON(priv, encrypted, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
