package harness

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/agency/quickdeploy/internal/observability"
	"github.com/agency/quickdeploy/internal/store"
)

// maxLogUpload caps how much of the local log file one sync uploads. The
// store holds a rolling tail, not the full history.
const maxLogUpload = 256 * 1024

// Syncer pushes the worker's local state files to the object store. All
// writes go one way, worker to store; the worker never reads its own state
// back from the store.
type Syncer struct {
	Store      store.Store
	AgentID    string
	ProjectDir string
	// LogPath is the local log file to mirror; empty disables log upload.
	LogPath  string
	Interval time.Duration

	log *slog.Logger
}

// NewSyncer builds a syncer with the default 30s interval.
func NewSyncer(s store.Store, agentID, projectDir, logPath string) *Syncer {
	return &Syncer{
		Store:      s,
		AgentID:    agentID,
		ProjectDir: projectDir,
		LogPath:    logPath,
		Interval:   30 * time.Second,
		log:        observability.WithAgent(agentID).With("component", "syncer"),
	}
}

// WriteStatus publishes the agent's status token. Status is the one field
// written eagerly on every transition rather than on the sync timer, so
// observers never see a stale lifecycle state for long.
func (sy *Syncer) WriteStatus(ctx context.Context, status string) error {
	return sy.Store.Put(ctx, store.StatusKey(sy.AgentID), []byte(status))
}

// SyncOnce uploads a snapshot of the task list, progress notes, and log
// tail. Missing local files are skipped silently: early in the lifecycle
// none of them exist yet. Upload errors are logged and returned but callers
// treat them as transient; the next tick retries.
func (sy *Syncer) SyncOnce(ctx context.Context) error {
	var firstErr error
	put := func(key, path string, tail bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
			return
		}
		if tail && len(data) > maxLogUpload {
			data = data[len(data)-maxLogUpload:]
		}
		if err := sy.Store.Put(ctx, key, data); err != nil {
			sy.log.Warn("sync upload failed", "key", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	put(store.TaskListKey(sy.AgentID), sy.ProjectDir+"/"+TaskListFile, false)
	put(store.ProgressKey(sy.AgentID), sy.ProjectDir+"/"+ProgressFile, false)
	if sy.LogPath != "" {
		put(store.AgentLogKey(sy.AgentID), sy.LogPath, true)
	}
	return firstErr
}

// Run syncs on the interval until ctx is canceled, then performs one final
// flush so the store reflects the last state of a stopping worker.
func (sy *Syncer) Run(ctx context.Context) {
	interval := sy.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := sy.SyncOnce(flushCtx); err != nil {
				sy.log.Warn("final sync failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			// Per-tick errors are transient by definition here.
			_ = sy.SyncOnce(ctx)
		}
	}
}
