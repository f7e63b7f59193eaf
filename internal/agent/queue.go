package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/control"
)

// QueuedResultStatus is the sync state of a locally stored backup result.
type QueuedResultStatus string

const (
	// QueuedStatusPending means the result is waiting to be delivered.
	QueuedStatusPending QueuedResultStatus = "pending"
	// QueuedStatusSyncing means delivery is in progress.
	QueuedStatusSyncing QueuedResultStatus = "syncing"
	// QueuedStatusSynced means the server acknowledged the result.
	QueuedStatusSynced QueuedResultStatus = "synced"
	// QueuedStatusFailed means delivery gave up after max retries.
	QueuedStatusFailed QueuedResultStatus = "failed"
)

var (
	// ErrQueueFull is returned when the queue has reached its maximum size.
	ErrQueueFull = errors.New("result queue is full")
	// ErrServerUnreachable is returned when the server cannot be contacted.
	ErrServerUnreachable = errors.New("server is unreachable")
	// ErrResultNotFound is returned when a queued result cannot be found.
	ErrResultNotFound = errors.New("queued result not found")
)

// QueuedResult is one backup result held locally until the server
// acknowledges it.
type QueuedResult struct {
	ID         uuid.UUID             `json:"id"`
	QueuedAt   time.Time             `json:"queued_at"`
	Status     QueuedResultStatus    `json:"status"`
	RetryCount int                   `json:"retry_count"`
	LastError  string                `json:"last_error,omitempty"`
	SyncedAt   *time.Time            `json:"synced_at,omitempty"`
	Result     *control.BackupResult `json:"result"`
}

// QueueSummary is the aggregate state of the result queue.
type QueueSummary struct {
	Total           int        `json:"total"`
	PendingCount    int        `json:"pending_count"`
	SyncedCount     int        `json:"synced_count"`
	FailedCount     int        `json:"failed_count"`
	OldestQueuedAt  *time.Time `json:"oldest_queued_at,omitempty"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessSync *time.Time `json:"last_success_sync,omitempty"`
	ServerReachable bool       `json:"server_reachable"`
	MaxQueueSize    int        `json:"max_queue_size"`
}

// QueueStore persists queued results locally.
type QueueStore interface {
	Enqueue(ctx context.Context, r *QueuedResult) error
	Get(ctx context.Context, id uuid.UUID) (*QueuedResult, error)
	Update(ctx context.Context, r *QueuedResult) error
	ListPending(ctx context.Context) ([]*QueuedResult, error)
	Count(ctx context.Context) (int, error)
	Summary(ctx context.Context) (*QueueSummary, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// ResultSender delivers results to the server.
type ResultSender interface {
	CheckHealth(ctx context.Context) error
	PostResult(ctx context.Context, result *control.BackupResult) error
}

// QueueConfig holds configuration for the result queue.
type QueueConfig struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	MaxRetries        int           `yaml:"max_retries"`
	PruneAge          time.Duration `yaml:"prune_age"`
}

// DefaultQueueConfig returns sensible default configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxQueueSize:      200,
		SyncInterval:      30 * time.Second,
		HealthCheckPeriod: 15 * time.Second,
		MaxRetries:        5,
		PruneAge:          7 * 24 * time.Hour,
	}
}

// Queue delivers backup results to the server, holding them locally while
// the server is unreachable.
type Queue struct {
	store  QueueStore
	sender ResultSender
	config QueueConfig
	logger zerolog.Logger

	mu              sync.RWMutex
	serverReachable bool
	lastSyncAttempt time.Time
	lastSuccessSync time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a result queue.
func NewQueue(store QueueStore, sender ResultSender, config QueueConfig, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  store,
		sender: sender,
		config: config,
		logger: logger.With().Str("component", "result_queue").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins background health monitoring and sync processing.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.checkServerHealth(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("initial health check failed, starting offline")
	}

	q.wg.Add(2)
	go q.healthCheckLoop()
	go q.syncLoop()

	q.logger.Info().
		Int("max_queue_size", q.config.MaxQueueSize).
		Dur("sync_interval", q.config.SyncInterval).
		Msg("result queue started")
	return nil
}

// Stop gracefully stops the queue processing.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	q.logger.Info().Msg("result queue stopped")
}

// Submit stores a result and attempts immediate delivery when the server
// is reachable.
func (q *Queue) Submit(ctx context.Context, result *control.BackupResult) (*QueuedResult, error) {
	count, err := q.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	if count >= q.config.MaxQueueSize {
		return nil, ErrQueueFull
	}

	queued := &QueuedResult{
		ID:       uuid.New(),
		QueuedAt: time.Now().UTC(),
		Status:   QueuedStatusPending,
		Result:   result,
	}
	if err := q.store.Enqueue(ctx, queued); err != nil {
		return nil, fmt.Errorf("enqueue result: %w", err)
	}

	q.logger.Info().
		Str("result_id", queued.ID.String()).
		Str("snapshot", result.SnapshotName).
		Str("outcome", string(result.Outcome)).
		Msg("backup result queued")

	if q.IsServerReachable() {
		if err := q.SyncNow(ctx); err != nil {
			q.logger.Debug().Err(err).Msg("immediate sync failed, result stays queued")
		}
	}
	return queued, nil
}

// IsServerReachable returns the result of the last health check.
func (q *Queue) IsServerReachable() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.serverReachable
}

// Summary returns the current queue state.
func (q *Queue) Summary(ctx context.Context) (*QueueSummary, error) {
	summary, err := q.store.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue summary: %w", err)
	}

	q.mu.RLock()
	summary.ServerReachable = q.serverReachable
	if !q.lastSyncAttempt.IsZero() {
		t := q.lastSyncAttempt
		summary.LastSyncAttempt = &t
	}
	if !q.lastSuccessSync.IsZero() {
		t := q.lastSuccessSync
		summary.LastSuccessSync = &t
	}
	q.mu.RUnlock()

	summary.MaxQueueSize = q.config.MaxQueueSize
	return summary, nil
}

// SyncNow attempts to deliver all pending results immediately.
func (q *Queue) SyncNow(ctx context.Context) error {
	return q.syncPending(ctx)
}

func (q *Queue) checkServerHealth(ctx context.Context) error {
	err := q.sender.CheckHealth(ctx)

	q.mu.Lock()
	wasReachable := q.serverReachable
	q.serverReachable = err == nil
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug().Err(err).Msg("server health check failed")
		return err
	}

	if !wasReachable {
		q.handleReconnection(ctx)
	}
	return nil
}

func (q *Queue) handleReconnection(ctx context.Context) {
	count, err := q.store.Count(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("failed to count queue on reconnection")
		return
	}
	if count == 0 {
		return
	}

	q.logger.Info().Int("queued_count", count).Msg("server reachable again, flushing queued results")
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := q.syncPending(syncCtx); err != nil {
			q.logger.Warn().Err(err).Msg("sync after reconnection failed")
		}
	}()
}

// syncPending delivers pending results one at a time so a single bad
// record cannot block the rest of the queue.
func (q *Queue) syncPending(ctx context.Context) error {
	if !q.IsServerReachable() {
		return ErrServerUnreachable
	}

	q.mu.Lock()
	q.lastSyncAttempt = time.Now().UTC()
	q.mu.Unlock()

	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending results: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	delivered := 0
	for _, queued := range pending {
		queued.Status = QueuedStatusSyncing
		if err := q.store.Update(ctx, queued); err != nil {
			q.logger.Warn().Err(err).Str("result_id", queued.ID.String()).Msg("failed to mark result syncing")
		}

		if err := q.sender.PostResult(ctx, queued.Result); err != nil {
			queued.RetryCount++
			queued.LastError = err.Error()
			queued.Status = QueuedStatusPending
			if queued.RetryCount >= q.config.MaxRetries {
				queued.Status = QueuedStatusFailed
				q.logger.Error().
					Str("result_id", queued.ID.String()).
					Int("retries", queued.RetryCount).
					Msg("giving up on queued result")
			}
			if updateErr := q.store.Update(ctx, queued); updateErr != nil {
				q.logger.Warn().Err(updateErr).Str("result_id", queued.ID.String()).Msg("failed to record sync failure")
			}
			continue
		}

		now := time.Now().UTC()
		queued.Status = QueuedStatusSynced
		queued.SyncedAt = &now
		if err := q.store.Update(ctx, queued); err != nil {
			q.logger.Warn().Err(err).Str("result_id", queued.ID.String()).Msg("failed to mark result synced")
		}
		delivered++
	}

	if delivered > 0 {
		q.mu.Lock()
		q.lastSuccessSync = time.Now().UTC()
		q.mu.Unlock()
		q.logger.Info().Int("delivered", delivered).Int("pending", len(pending)-delivered).Msg("queued results delivered")
	}
	return nil
}

func (q *Queue) healthCheckLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = q.checkServerHealth(ctx)
			cancel()
		}
	}
}

func (q *Queue) syncLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if !q.IsServerReachable() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := q.syncPending(ctx); err != nil {
				q.logger.Debug().Err(err).Msg("periodic sync failed")
			}
			cancel()

			pruneCtx, pruneCancel := context.WithTimeout(context.Background(), 30*time.Second)
			pruned, err := q.store.Prune(pruneCtx, q.config.PruneAge)
			if err != nil {
				q.logger.Warn().Err(err).Msg("failed to prune old queue entries")
			} else if pruned > 0 {
				q.logger.Debug().Int("pruned_count", pruned).Msg("pruned old queue entries")
			}
			pruneCancel()
		}
	}
}
