package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/control"
)

func testResult(snapshot string) *control.BackupResult {
	now := time.Now().UTC()
	return &control.BackupResult{
		ClientID:      "client-1",
		SnapshotName:  snapshot,
		Type:          "full",
		Outcome:       control.OutcomeSuccess,
		FilesTotal:    10,
		BytesArchived: 1024,
		StartedAt:     now.Add(-time.Minute),
		FinishedAt:    now,
	}
}

func TestSQLiteQueue(t *testing.T) {
	store, err := NewSQLiteQueue(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	queued := &QueuedResult{
		ID:       uuid.New(),
		QueuedAt: time.Now().UTC(),
		Status:   QueuedStatusPending,
		Result:   testResult("full_backup_20250601_020000"),
	}
	if err := store.Enqueue(ctx, queued); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := store.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != QueuedStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Result == nil || got.Result.SnapshotName != "full_backup_20250601_020000" {
		t.Errorf("Result = %+v", got.Result)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}

	now := time.Now().UTC()
	queued.Status = QueuedStatusSynced
	queued.SyncedAt = &now
	if err := store.Update(ctx, queued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.SyncedCount != 1 || summary.PendingCount != 0 {
		t.Errorf("summary = %+v", summary)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestSQLiteQueueGetMissing(t *testing.T) {
	store, err := NewSQLiteQueue(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error = %v", err)
	}
	defer store.Close()

	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("Get() error = %v, want ErrResultNotFound", err)
	}
	if err := store.Update(context.Background(), &QueuedResult{ID: uuid.New()}); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("Update() error = %v, want ErrResultNotFound", err)
	}
}

func TestSQLiteQueuePrune(t *testing.T) {
	store, err := NewSQLiteQueue(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := &QueuedResult{
		ID:       uuid.New(),
		QueuedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
		Status:   QueuedStatusSynced,
		Result:   testResult("full_backup_20250501_020000"),
	}
	fresh := &QueuedResult{
		ID:       uuid.New(),
		QueuedAt: time.Now().UTC(),
		Status:   QueuedStatusPending,
		Result:   testResult("full_backup_20250601_020000"),
	}
	for _, r := range []*QueuedResult{old, fresh} {
		if err := store.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	pruned, err := store.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	// Pending entries stay regardless of age.
	count, _ := store.Count(ctx)
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

// mockSender lets tests control server reachability and delivery results.
type mockSender struct {
	mu        sync.Mutex
	healthErr error
	postErr   error
	delivered []*control.BackupResult
}

func (m *mockSender) CheckHealth(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *mockSender) PostResult(_ context.Context, result *control.BackupResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.delivered = append(m.delivered, result)
	return nil
}

func (m *mockSender) deliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

func newTestQueue(t *testing.T, sender ResultSender, cfg QueueConfig) *Queue {
	t.Helper()
	store, err := NewSQLiteQueue(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteQueue() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewQueue(store, sender, cfg, zerolog.Nop())
}

func TestQueueSubmitDeliversWhenOnline(t *testing.T) {
	sender := &mockSender{}
	q := newTestQueue(t, sender, DefaultQueueConfig())

	ctx := context.Background()
	if err := q.checkServerHealth(ctx); err != nil {
		t.Fatalf("checkServerHealth() error = %v", err)
	}

	if _, err := q.Submit(ctx, testResult("full_backup_20250601_020000")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sender.deliveredCount() != 1 {
		t.Errorf("delivered = %d, want 1", sender.deliveredCount())
	}

	summary, err := q.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.SyncedCount != 1 || summary.PendingCount != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestQueueHoldsResultsWhileOffline(t *testing.T) {
	sender := &mockSender{healthErr: errors.New("connection refused")}
	q := newTestQueue(t, sender, DefaultQueueConfig())

	ctx := context.Background()
	_ = q.checkServerHealth(ctx)

	if _, err := q.Submit(ctx, testResult("full_backup_20250601_020000")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sender.deliveredCount() != 0 {
		t.Errorf("delivered = %d while offline, want 0", sender.deliveredCount())
	}
	if err := q.SyncNow(ctx); !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("SyncNow() error = %v, want ErrServerUnreachable", err)
	}

	// Server comes back; the queued result flushes on the next sync.
	sender.mu.Lock()
	sender.healthErr = nil
	sender.mu.Unlock()
	if err := q.checkServerHealth(ctx); err != nil {
		t.Fatalf("checkServerHealth() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sender.deliveredCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.deliveredCount() != 1 {
		t.Errorf("delivered = %d after reconnect, want 1", sender.deliveredCount())
	}
}

func TestQueueRetriesUntilMaxThenFails(t *testing.T) {
	sender := &mockSender{postErr: errors.New("boom")}
	cfg := DefaultQueueConfig()
	cfg.MaxRetries = 2
	q := newTestQueue(t, sender, cfg)

	ctx := context.Background()
	_ = q.checkServerHealth(ctx)

	queued, err := q.Submit(ctx, testResult("full_backup_20250601_020000"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// Submit already attempted once; one more sync hits MaxRetries.
	_ = q.SyncNow(ctx)

	got, err := q.store.Get(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != QueuedStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestQueueFull(t *testing.T) {
	sender := &mockSender{healthErr: errors.New("offline")}
	cfg := DefaultQueueConfig()
	cfg.MaxQueueSize = 1
	q := newTestQueue(t, sender, cfg)

	ctx := context.Background()
	_ = q.checkServerHealth(ctx)

	if _, err := q.Submit(ctx, testResult("full_backup_20250601_020000")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := q.Submit(ctx, testResult("full_backup_20250601_030000")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	if cfg.MaxQueueSize != 200 {
		t.Errorf("MaxQueueSize = %d, want 200", cfg.MaxQueueSize)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
}
