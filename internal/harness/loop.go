package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agency/quickdeploy/internal/observability"
)

const (
	// failureThreshold is how many consecutive failed sessions it takes
	// before the loop switches from quick retries to exponential backoff.
	failureThreshold = 5
	shortRetryDelay  = 5 * time.Second
	backoffBase      = 30 * time.Second
	backoffMaxExp    = 4
)

// RetryDelay returns how long to wait after the given number of consecutive
// failures. Below the threshold a session failure is assumed transient and
// retried quickly; at or above it the delay backs off exponentially and
// stays capped. The loop never gives up on its own: a worker with a broken
// dependency keeps retrying at the capped rate until stopped from outside.
func RetryDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures < failureThreshold {
		return shortRetryDelay
	}
	exp := consecutiveFailures - 1
	if exp > backoffMaxExp {
		exp = backoffMaxExp
	}
	return backoffBase * (1 << exp)
}

// Loop drives an agent from decomposition to completion.
type Loop struct {
	AgentID    string
	ProjectDir string
	// MaxIterations bounds the number of sessions; 0 means unbounded.
	MaxIterations int
	Runner        SessionRunner
	Syncer        *Syncer
	// Delay computes the post-failure wait from the consecutive-failure
	// count. Defaults to RetryDelay; tests substitute a recorder so failure
	// paths run without real sleeps.
	Delay func(consecutiveFailures int) time.Duration

	log *slog.Logger
}

// NewLoop wires a loop for one agent.
func NewLoop(agentID, projectDir string, maxIterations int, runner SessionRunner, syncer *Syncer) *Loop {
	return &Loop{
		AgentID:       agentID,
		ProjectDir:    projectDir,
		MaxIterations: maxIterations,
		Runner:        runner,
		Syncer:        syncer,
		Delay:         RetryDelay,
		log:           observability.WithAgent(agentID).With("component", "loop"),
	}
}

// Run executes sessions until the task list is complete, the iteration
// budget runs out, or ctx is canceled. It returns nil on both completion
// and budget exhaustion; only cancellation surfaces as an error. Session
// failures never terminate the loop.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Syncer.WriteStatus(ctx, "running"); err != nil {
		l.log.Warn("status write failed", "error", err)
	}

	iteration := 0
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("loop canceled: %w", err)
		}

		// Budget before completion: an exhausted budget ends the loop even
		// when pending work remains.
		if l.MaxIterations > 0 && iteration >= l.MaxIterations {
			l.log.Info("iteration budget exhausted", "iterations", iteration)
			return l.finish(ctx)
		}

		list, ok := LoadTaskList(l.ProjectDir)
		decomposing := !ok || !list.Initialized()

		// Completion is only meaningful once decomposition has happened; an
		// absent or empty list means the work is not even enumerated yet.
		if !decomposing && list.AllCompleted() {
			l.log.Info("all features completed", "summary", list.Summary())
			return l.finish(ctx)
		}

		var prompt string
		if decomposing {
			l.log.Info("running decomposition session", "iteration", iteration+1)
			prompt = initializerPrompt
		} else {
			l.log.Info("running implementation session",
				"iteration", iteration+1, "summary", list.Summary())
			prompt = CodingPrompt(LoadProgress(l.ProjectDir), list)
		}

		iteration++
		_, err := l.Runner.Run(ctx, l.ProjectDir, prompt)

		// Flush whatever the session wrote before deciding anything else, so
		// an observer sees partial progress even across worker replacement.
		if serr := l.Syncer.SyncOnce(ctx); serr != nil {
			l.log.Warn("post-session sync failed", "error", serr)
		}

		if err != nil {
			failures++
			delay := l.retryDelay(failures)
			l.log.Warn("session failed",
				"consecutive_failures", failures, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return fmt.Errorf("loop canceled: %w", ctx.Err())
			}
			continue
		}
		failures = 0
	}
}

func (l *Loop) retryDelay(n int) time.Duration {
	if l.Delay != nil {
		return l.Delay(n)
	}
	return RetryDelay(n)
}

// finish writes the terminal status and flushes state.
func (l *Loop) finish(ctx context.Context) error {
	if err := l.Syncer.SyncOnce(ctx); err != nil {
		l.log.Warn("final sync failed", "error", err)
	}
	if err := l.Syncer.WriteStatus(ctx, "completed"); err != nil {
		return fmt.Errorf("write terminal status: %w", err)
	}
	return nil
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
