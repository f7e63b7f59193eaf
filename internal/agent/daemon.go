package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/config"
	"github.com/linwinbackup/linwin/internal/control"
	"github.com/linwinbackup/linwin/internal/health"
	"github.com/linwinbackup/linwin/internal/manifest"
	"github.com/linwinbackup/linwin/internal/snapshot"
	"github.com/linwinbackup/linwin/internal/transfer"
)

const (
	heartbeatInterval       = time.Minute
	scheduleRefreshInterval = 5 * time.Minute
)

// ErrBackupRunning is returned when a run is requested while another is
// in progress.
var ErrBackupRunning = errors.New("a backup is already running")

// Daemon ties the agent together: it runs the cron schedule, sends
// heartbeats, refreshes the schedule from the server, and serves the
// local operator API.
type Daemon struct {
	cfg       *config.AgentConfig
	cfgDir    string
	version   string
	client    *Client
	queue     *Queue
	engine    *snapshot.Engine
	collector *health.Collector
	logger    zerolog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	entries []control.ScheduleEntry
	cronIDs []cron.EntryID
}

// NewDaemon creates a daemon. The engine writes snapshots into the
// configured backup dir; the queue holds results while the server is
// unreachable.
func NewDaemon(cfg *config.AgentConfig, cfgDir, version string, client *Client, queue *Queue, engine *snapshot.Engine, collector *health.Collector, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		cfgDir:    cfgDir,
		version:   version,
		client:    client,
		queue:     queue,
		engine:    engine,
		collector: collector,
		logger:    logger.With().Str("component", "daemon").Logger(),
		cron:      cron.New(),
	}
}

// Run starts all background loops and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.queue.Start(ctx); err != nil {
		return fmt.Errorf("start result queue: %w", err)
	}
	defer d.queue.Stop()

	d.refreshSchedule(ctx)
	d.cron.Start()
	defer d.cron.Stop()

	var httpErr chan error
	if d.cfg.ListenAddr != "" {
		srv := d.localServer()
		httpErr = make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		d.logger.Info().Str("addr", d.cfg.ListenAddr).Msg("local api listening")
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	refresh := time.NewTicker(scheduleRefreshInterval)
	defer refresh.Stop()

	d.sendHeartbeat(ctx)
	d.logger.Info().Msg("agent daemon started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("agent daemon stopping")
			return nil
		case err := <-httpErr:
			return fmt.Errorf("local api server: %w", err)
		case <-heartbeat.C:
			d.sendHeartbeat(ctx)
		case <-refresh.C:
			d.refreshSchedule(ctx)
		}
	}
}

// refreshSchedule pulls the schedule from the server and rebuilds the
// cron entries. Local schedule overrides win over server entries of the
// same type; while the server is unreachable the last applied schedule
// stays in effect.
func (d *Daemon) refreshSchedule(ctx context.Context) {
	var entries []control.ScheduleEntry

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	serverEntries, err := d.client.FetchSchedule(fetchCtx)
	cancel()
	if err != nil {
		d.logger.Debug().Err(err).Msg("schedule fetch failed, keeping current schedule")
		if len(d.cfg.Schedules) == 0 {
			return
		}
	}

	overridden := make(map[string]bool, len(d.cfg.Schedules))
	for _, o := range d.cfg.Schedules {
		overridden[o.Type] = true
		entries = append(entries, control.ScheduleEntry{Type: o.Type, Cron: o.Cron})
	}
	for _, e := range serverEntries {
		if !overridden[e.Type] {
			entries = append(entries, e)
		}
	}

	d.applySchedule(entries)
}

func (d *Daemon) applySchedule(entries []control.ScheduleEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if scheduleEqual(d.entries, entries) {
		return
	}

	for _, id := range d.cronIDs {
		d.cron.Remove(id)
	}
	d.cronIDs = d.cronIDs[:0]

	for _, e := range entries {
		typ := e.Type
		id, err := d.cron.AddFunc(e.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 12*time.Hour)
			defer cancel()
			if _, err := d.TriggerBackup(ctx, typ); err != nil {
				d.logger.Error().Err(err).Str("type", typ).Msg("scheduled backup failed")
			}
		})
		if err != nil {
			d.logger.Error().Err(err).Str("cron", e.Cron).Str("type", typ).Msg("invalid schedule entry")
			continue
		}
		d.cronIDs = append(d.cronIDs, id)
	}

	d.entries = entries
	d.logger.Info().Int("entries", len(entries)).Msg("schedule applied")
}

func scheduleEqual(a, b []control.ScheduleEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Cron != b[i].Cron {
			return false
		}
	}
	return true
}

// ValidType reports whether typ names a runnable backup type.
func ValidType(typ string) bool {
	switch manifest.Type(typ) {
	case manifest.TypeFull, manifest.TypeIncremental, manifest.TypeDirectory:
		return true
	}
	return false
}

// TriggerBackup runs one backup of the given type over all configured
// source paths, uploads the finished snapshots to the target, and queues
// the result for the server. Only one run executes at a time.
func (d *Daemon) TriggerBackup(ctx context.Context, typ string) (*snapshot.Result, error) {
	return d.TriggerBackupOf(ctx, typ, "")
}

// TriggerBackupOf is TriggerBackup restricted to a single source
// directory when sourceDir is non-empty.
func (d *Daemon) TriggerBackupOf(ctx context.Context, typ, sourceDir string) (*snapshot.Result, error) {
	if !ValidType(typ) {
		return nil, fmt.Errorf("unknown backup type %q", typ)
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, ErrBackupRunning
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	sources := d.cfg.SourcePaths
	if sourceDir != "" {
		sources = []string{sourceDir}
	}

	var last *snapshot.Result
	for _, source := range sources {
		result, err := d.runOne(ctx, typ, source)
		if err != nil {
			return last, err
		}
		last = result
	}
	return last, nil
}

func (d *Daemon) runOne(ctx context.Context, typ, source string) (*snapshot.Result, error) {
	d.logger.Info().Str("type", typ).Str("source", source).Msg("backup starting")

	var (
		result *snapshot.Result
		err    error
	)
	switch manifest.Type(typ) {
	case manifest.TypeFull:
		result, err = d.engine.RunFull(ctx, source)
	case manifest.TypeIncremental:
		result, err = d.engine.RunIncremental(ctx, source)
	case manifest.TypeDirectory:
		result, err = d.engine.RunDirectory(ctx, source)
	default:
		return nil, fmt.Errorf("unknown backup type %q", typ)
	}

	report := &control.BackupResult{
		ClientID:  d.cfg.ClientID,
		Type:      typ,
		StartedAt: time.Now().UTC(),
	}
	if result != nil {
		report.SnapshotName = result.Manifest.SnapshotName()
		report.Outcome = control.Outcome(result.Outcome)
		report.FilesTotal = result.FilesTotal
		report.FilesSkipped = result.FilesSkipped
		report.BytesArchived = result.BytesArchived
		report.StartedAt = result.StartedAt
		report.FinishedAt = result.FinishedAt
	}
	if err != nil {
		report.Outcome = control.OutcomeFailed
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		d.finishRun(ctx, report)
		return result, fmt.Errorf("run %s backup: %w", typ, err)
	}

	if uploadErr := d.upload(ctx, report.SnapshotName); uploadErr != nil {
		d.logger.Error().Err(uploadErr).Str("snapshot", report.SnapshotName).Msg("upload failed, snapshot kept locally")
		report.Outcome = control.OutcomePartial
		report.Error = fmt.Sprintf("upload: %v", uploadErr)
	}

	d.finishRun(ctx, report)
	d.logger.Info().
		Str("snapshot", report.SnapshotName).
		Str("outcome", string(report.Outcome)).
		Int64("files", report.FilesTotal).
		Int64("bytes", report.BytesArchived).
		Msg("backup finished")
	return result, nil
}

func (d *Daemon) finishRun(ctx context.Context, report *control.BackupResult) {
	if _, err := d.queue.Submit(ctx, report); err != nil {
		d.logger.Error().Err(err).Msg("failed to queue backup result")
	}
	if err := d.writeStatusFile(report); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write status file")
	}
}

// upload pushes the named snapshot directory to the configured target.
// With no target configured the snapshot just stays local.
func (d *Daemon) upload(ctx context.Context, snapshotName string) error {
	if d.cfg.Target.Type == config.TargetNone || snapshotName == "" {
		return nil
	}

	remote, err := OpenRemote(ctx, d.cfg.Target, d.logger)
	if err != nil {
		return err
	}
	defer remote.Close()

	remoteDir := filepath.ToSlash(filepath.Join(d.cfg.Hostname, snapshotName))
	if err := remote.EnsureDirectory(ctx, remoteDir); err != nil {
		return fmt.Errorf("ensure remote directory: %w", err)
	}
	localDir := filepath.Join(d.cfg.BackupDir, snapshotName)
	if err := remote.UploadTree(ctx, localDir, remoteDir); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// OpenRemote builds a transfer.Remote from a target config.
func OpenRemote(ctx context.Context, target config.TargetConfig, logger zerolog.Logger) (transfer.Remote, error) {
	switch target.Type {
	case config.TargetLocal:
		return transfer.NewLocalRemote(target.Local)
	case config.TargetSFTP:
		if target.SFTP == nil {
			return nil, errors.New("sftp target not configured")
		}
		return transfer.NewSFTPRemote(*target.SFTP, logger)
	case config.TargetS3:
		if target.S3 == nil {
			return nil, errors.New("s3 target not configured")
		}
		return transfer.NewS3Remote(ctx, *target.S3, logger)
	default:
		return nil, fmt.Errorf("unknown target type %q", target.Type)
	}
}

// sendHeartbeat posts the current status to the server. Failures are
// expected while offline and only logged.
func (d *Daemon) sendHeartbeat(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	status := d.buildStatus(sendCtx)
	if err := d.client.PostStatus(sendCtx, status); err != nil {
		d.logger.Debug().Err(err).Msg("heartbeat failed")
	}
}

func (d *Daemon) buildStatus(ctx context.Context) *control.StatusUpdate {
	status := &control.StatusUpdate{
		ClientID:  d.cfg.ClientID,
		Hostname:  d.cfg.Hostname,
		System:    runtime.GOOS,
		Version:   d.version,
		Timestamp: time.Now().UTC(),
		Status:    "idle",
		Metrics:   d.collector.Collect(ctx),
	}

	progress := d.engine.Progress()
	if progress.State != snapshot.StateIdle && progress.State != snapshot.StateDone && progress.State != snapshot.StateFailed {
		status.Status = "backing_up"
		status.CurrentBackup = &control.CurrentBackup{
			Type:          progress.Type,
			State:         string(progress.State),
			StartedAt:     progress.StartedAt,
			FilesSeen:     progress.FilesSeen,
			FilesSelected: progress.FilesSelected,
			BytesArchived: progress.BytesArchived,
		}
	}
	return status
}

// localServer serves the operator endpoints on the loopback address.
func (d *Daemon) localServer() *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/api/backup/start", func(c *gin.Context) {
		var req struct {
			Type      string `json:"type" binding:"required"`
			SourceDir string `json:"source_dir"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if !ValidType(req.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown backup type %q", req.Type)})
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 12*time.Hour)
			defer cancel()
			if _, err := d.TriggerBackupOf(ctx, req.Type, req.SourceDir); err != nil {
				d.logger.Error().Err(err).Str("type", req.Type).Msg("manual backup failed")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "started", "type": req.Type})
	})

	router.GET("/api/status", func(c *gin.Context) {
		summary, err := d.queue.Summary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"progress": d.engine.Progress(),
			"queue":    summary,
		})
	})

	return &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
