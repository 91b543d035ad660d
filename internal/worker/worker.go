// ============================================================================
// dockq Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes ligand tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task.Exec with the pool context
//   3. Send result to resultCh (blocking, results are never dropped)
//   4. Repeat until taskCh is closed
//
// Cancellation:
//   The pool context is handed to every Exec. After cancellation, queued tasks
//   still run so each one reports a result; Exec is expected to return quickly
//   with a "cancelled" result.
//
// Panic recovery:
//   A panicking Exec is turned into a failed LigandResult so the job's
//   counters still add up.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	logger   *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   logger,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		ligand := w.execute(ctx, task)

		w.resultCh <- Result{
			JobID:    task.JobID,
			Index:    task.Index,
			Ligand:   ligand,
			Duration: time.Since(start),
		}
	}
}

// execute runs task.Exec and converts a panic into a failed result
func (w *Worker) execute(ctx context.Context, task Task) (result types.LigandResult) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker task panicked",
				"worker_id", w.id,
				"job_id", task.JobID,
				"ligand", task.Ligand,
				"panic", r)
			result = types.FailedLigand(task.Ligand, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if task.Exec == nil {
		return types.FailedLigand(task.Ligand, "internal error: task has no work")
	}
	return task.Exec(ctx)
}
