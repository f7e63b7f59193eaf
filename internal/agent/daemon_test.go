package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/config"
	"github.com/linwinbackup/linwin/internal/control"
	"github.com/linwinbackup/linwin/internal/crypto"
	"github.com/linwinbackup/linwin/internal/health"
	"github.com/linwinbackup/linwin/internal/manifest"
	"github.com/linwinbackup/linwin/internal/snapshot"
)

func newTestDaemon(t *testing.T) (*Daemon, *fakeServer) {
	t.Helper()

	fs, srv := newFakeServer(t)

	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "data.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	backupDir := t.TempDir()
	targetDir := t.TempDir()
	cfgDir := t.TempDir()

	cfg := &config.AgentConfig{
		ServerURL:   srv.URL,
		ClientID:    "client-1",
		Hostname:    "web01",
		SourcePaths: []string{sourceDir},
		BackupDir:   backupDir,
		Target:      config.TargetConfig{Type: config.TargetLocal, Local: targetDir},
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	client := NewClient(srv.URL, "client-1", keys, zerolog.Nop())
	if err := client.Register(context.Background(), "web01", "linux", "test"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	store, err := manifest.NewStore(backupDir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	engine := snapshot.New(store, nil, zerolog.Nop())

	queue := newTestQueue(t, client, DefaultQueueConfig())
	_ = queue.checkServerHealth(context.Background())

	collector := health.NewCollector("")
	return NewDaemon(cfg, cfgDir, "test", client, queue, engine, collector, zerolog.Nop()), fs
}

func TestDaemonTriggerBackup(t *testing.T) {
	d, fs := newTestDaemon(t)

	result, err := d.TriggerBackup(context.Background(), "full")
	if err != nil {
		t.Fatalf("TriggerBackup() error = %v", err)
	}
	if result.Outcome != snapshot.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", result.Outcome)
	}

	// The result reached the server through the queue.
	if len(fs.results) != 1 {
		t.Fatalf("server results = %d, want 1", len(fs.results))
	}
	if fs.results[0].Type != "full" {
		t.Errorf("result type = %q, want full", fs.results[0].Type)
	}

	// The snapshot was uploaded to the local target under the hostname.
	name := result.Manifest.SnapshotName()
	uploaded := filepath.Join(d.cfg.Target.Local, "web01", name, manifest.FileName)
	if _, err := os.Stat(uploaded); err != nil {
		t.Errorf("uploaded manifest missing: %v", err)
	}

	// The status file records the run.
	status, err := ReadStatusFile(d.cfgDir)
	if err != nil {
		t.Fatalf("ReadStatusFile() error = %v", err)
	}
	if status.LastBackup == nil || status.LastBackup.SnapshotName != name {
		t.Errorf("status file last backup = %+v", status.LastBackup)
	}
	if len(status.BackupHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(status.BackupHistory))
	}
}

func TestDaemonRejectsUnknownType(t *testing.T) {
	d, _ := newTestDaemon(t)

	if _, err := d.TriggerBackup(context.Background(), "weekly"); err == nil {
		t.Error("TriggerBackup() accepted unknown type")
	}
}

func TestDaemonBackupOfSingleDirectory(t *testing.T) {
	d, _ := newTestDaemon(t)

	otherDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(otherDir, "extra.txt"), []byte("adhoc"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := d.TriggerBackupOf(context.Background(), "directory", otherDir)
	if err != nil {
		t.Fatalf("TriggerBackupOf() error = %v", err)
	}
	if result.Manifest.Type != manifest.TypeDirectory {
		t.Errorf("type = %s, want directory", result.Manifest.Type)
	}
	if _, ok := result.Manifest.Lookup("extra.txt"); !ok {
		t.Error("file from the requested directory missing from manifest")
	}
	// The configured source paths were not touched.
	if _, ok := result.Manifest.Lookup("data.txt"); ok {
		t.Error("configured source path leaked into a single-directory run")
	}
}

func TestLocalServerStartEndpoint(t *testing.T) {
	d, _ := newTestDaemon(t)
	handler := d.localServer().Handler

	post := func(body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/backup/start", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := post(`{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want 400", w.Code)
	}
	if w := post(`{"type":"weekly"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type: status = %d, want 400", w.Code)
	}

	otherDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(otherDir, "extra.txt"), []byte("adhoc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if w := post(`{"type":"directory","source_dir":"` + filepath.ToSlash(otherDir) + `"}`); w.Code != http.StatusAccepted {
		t.Fatalf("valid request: status = %d, want 202", w.Code)
	}

	// The run is asynchronous; wait for the status file to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := ReadStatusFile(d.cfgDir)
		if err == nil && status.LastBackup != nil {
			if status.LastBackup.Type != "directory" {
				t.Errorf("last backup type = %q, want directory", status.LastBackup.Type)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backup never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonScheduleMerge(t *testing.T) {
	d, fs := newTestDaemon(t)
	fs.schedule = []control.ScheduleEntry{
		{Type: "full", Cron: "0 2 * * 0"},
		{Type: "incremental", Cron: "0 2 * * 1-6"},
	}
	// Local override pins the full schedule.
	d.cfg.Schedules = []config.ScheduleOverride{{Type: "full", Cron: "30 1 * * 0"}}

	d.refreshSchedule(context.Background())

	d.mu.Lock()
	entries := append([]control.ScheduleEntry(nil), d.entries...)
	d.mu.Unlock()

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Type != "full" || entries[0].Cron != "30 1 * * 0" {
		t.Errorf("override not applied: %+v", entries[0])
	}
	if entries[1].Type != "incremental" {
		t.Errorf("server entry missing: %+v", entries[1])
	}
}

func TestStatusFileHistoryBounded(t *testing.T) {
	d, _ := newTestDaemon(t)

	for i := 0; i < statusHistoryLimit+5; i++ {
		report := testResult("full_backup_20250601_020000")
		if err := d.writeStatusFile(report); err != nil {
			t.Fatalf("writeStatusFile() error = %v", err)
		}
	}

	status, err := ReadStatusFile(d.cfgDir)
	if err != nil {
		t.Fatalf("ReadStatusFile() error = %v", err)
	}
	if len(status.BackupHistory) != statusHistoryLimit {
		t.Errorf("history length = %d, want %d", len(status.BackupHistory), statusHistoryLimit)
	}
}
