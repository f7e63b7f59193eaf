package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/linwinbackup/linwin/internal/control"
)

// statusHistoryLimit bounds the backup history kept in the status file.
const statusHistoryLimit = 20

// StatusFile is the operator-readable state dropped next to the agent
// config after every run.
type StatusFile struct {
	UpdatedAt     time.Time              `json:"updated_at"`
	LastBackup    *control.BackupResult  `json:"last_backup,omitempty"`
	BackupHistory []control.BackupResult `json:"backup_history,omitempty"`
}

func (d *Daemon) statusFilePath() string {
	return filepath.Join(d.cfgDir, "status.json")
}

// writeStatusFile prepends the report to the bounded history and rewrites
// the file atomically.
func (d *Daemon) writeStatusFile(report *control.BackupResult) error {
	current, err := ReadStatusFile(d.cfgDir)
	if err != nil {
		d.logger.Warn().Err(err).Msg("status file unreadable, starting fresh")
		current = &StatusFile{}
	}

	current.UpdatedAt = time.Now().UTC()
	current.LastBackup = report
	current.BackupHistory = append([]control.BackupResult{*report}, current.BackupHistory...)
	if len(current.BackupHistory) > statusHistoryLimit {
		current.BackupHistory = current.BackupHistory[:statusHistoryLimit]
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	path := d.statusFilePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// ReadStatusFile loads the status file from the given config directory. A
// missing file yields an empty status.
func ReadStatusFile(cfgDir string) (*StatusFile, error) {
	data, err := os.ReadFile(filepath.Join(cfgDir, "status.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return &StatusFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return &status, nil
}
