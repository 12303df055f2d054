package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/algotest/algotest/store"
)

// ErrBusy is returned when a task already has a workflow in flight.
var ErrBusy = errors.New("task already running")

// Runner executes workflow runs in the background, at most one per
// task and at most Workers in total.
type Runner struct {
	db     *store.DB
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewRunner(db *store.DB, logger *slog.Logger, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		db:       db,
		logger:   logger,
		sem:      make(chan struct{}, workers),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Trigger starts fn for the task in the background. The task is marked
// running for the duration; on failure it is marked failed, and on
// success any still-"running" status is settled to completed.
func (r *Runner) Trigger(taskID, workflow string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if _, busy := r.inflight[taskID]; busy {
		r.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inflight[taskID] = cancel
	r.mu.Unlock()

	if err := r.db.UpdateTaskStatus(ctx, taskID, store.StatusRunning); err != nil {
		r.release(taskID)
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(taskID)

		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		r.logger.Info("workflow started", "workflow", workflow, "task_id", taskID)
		if err := fn(ctx); err != nil {
			r.logger.Error("workflow failed", "workflow", workflow, "task_id", taskID, "error", err)
			r.settle(taskID, store.StatusFailed)
			return
		}
		r.logger.Info("workflow finished", "workflow", workflow, "task_id", taskID)
		r.settleRunning(taskID)
	}()
	return nil
}

// Busy reports whether a run is in flight for the task.
func (r *Runner) Busy(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[taskID]
	return busy
}

// Cancel stops the task's in-flight run, if any.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, busy := r.inflight[taskID]
	r.mu.Unlock()
	if busy {
		cancel()
	}
	return busy
}

// Shutdown waits for all in-flight runs, or gives up when ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release(taskID string) {
	r.mu.Lock()
	if cancel, ok := r.inflight[taskID]; ok {
		cancel()
		delete(r.inflight, taskID)
	}
	r.mu.Unlock()
}

func (r *Runner) settle(taskID, status string) {
	if err := r.db.UpdateTaskStatus(context.Background(), taskID, status); err != nil {
		r.logger.Error("task status not updated", "task_id", taskID, "status", status, "error", err)
	}
}

// settleRunning clears a leftover running status. Workflows that set
// their own terminal status are left alone.
func (r *Runner) settleRunning(taskID string) {
	task, err := r.db.GetTask(context.Background(), taskID)
	if err != nil {
		r.logger.Error("task not reloaded after run", "task_id", taskID, "error", err)
		return
	}
	if task.Status == store.StatusRunning {
		r.settle(taskID, store.StatusCompleted)
	}
}
