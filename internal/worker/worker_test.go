package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, result delivery, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dockq/pkg/types"
)

func okTask(i int, d time.Duration) Task {
	name := fmt.Sprintf("lig%d", i)
	return Task{
		JobID:  "job-1",
		Index:  i,
		Ligand: name,
		Exec: func(ctx context.Context) types.LigandResult {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return types.FailedLigand(name, "cancelled")
			}
			aff := -float64(i)
			return types.LigandResult{LigandName: name, BindingAffinity: &aff}
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(context.Background(), 4)
	assert.ErrorIs(t, err, ErrPoolStarted)

	pool.Stop()
}

// TestWorkerExecution tests every task yields exactly one result
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(okTask(i, time.Millisecond)))
	}

	results := make(map[int]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.Index] = result
	}

	assert.Len(t, results, taskCount)
	for i, r := range results {
		assert.Equal(t, types.JobID("job-1"), r.JobID)
		assert.Equal(t, fmt.Sprintf("lig%d", i), r.Ligand.LigandName)
		assert.True(t, r.Ligand.Succeeded())
	}

	pool.Stop()
}

// TestPanicBecomesFailedResult tests panic recovery
func TestPanicBecomesFailedResult(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 1))

	require.NoError(t, pool.Submit(Task{
		JobID:  "job-1",
		Ligand: "boom",
		Exec:   func(context.Context) types.LigandResult { panic("corrupt structure") },
	}))
	require.NoError(t, pool.Submit(okTask(1, time.Millisecond)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, "boom", first.Ligand.LigandName)
	assert.False(t, first.Ligand.Succeeded())
	assert.Contains(t, first.Ligand.FailureReason, "internal error: corrupt structure")

	// Worker survives the panic
	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Ligand.Succeeded())

	pool.Stop()
}

// TestCancelledContextStillReports tests no task is silently dropped after cancellation
func TestCancelledContextStillReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(20)
	require.NoError(t, pool.Start(ctx, 2))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(okTask(i, time.Second)))
	}
	cancel()

	cancelled := 0
	for i := 0; i < 20; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		if r.Ligand.FailureReason == "cancelled" {
			cancelled++
		}
	}
	assert.Equal(t, 20, cancelled)

	pool.Stop()
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrencyBound tests at most workerCount tasks run at once
func TestConcurrencyBound(t *testing.T) {
	const workerCount = 3
	pool := NewPool(30)
	require.NoError(t, pool.Start(context.Background(), workerCount))

	var current, peak atomic.Int32
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("lig%d", i)
		require.NoError(t, pool.Submit(Task{
			JobID:  "job-1",
			Index:  i,
			Ligand: name,
			Exec: func(context.Context) types.LigandResult {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return types.FailedLigand(name, "x")
			},
		}))
	}

	for i := 0; i < 30; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	pool.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(workerCount))
	assert.Greater(t, peak.Load(), int32(1), "tasks should overlap")
}

// TestConcurrentSubmit tests concurrent job submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(context.Background(), 4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(okTask(index, time.Millisecond)))
		}(i)
	}

	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < taskCount; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[r.Index] = true
	}
	assert.Len(t, seen, taskCount)

	pool.Stop()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests Stop drains queued tasks and keeps their results readable
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(context.Background(), 4))

	taskCount := 50
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(okTask(i, time.Millisecond)))
	}

	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	pool.Stop()

	remaining := 0
	for {
		_, err := pool.ReceiveResult()
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
			break
		}
		remaining++
	}
	assert.Equal(t, taskCount-10, remaining)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)

	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestStopTwice tests Stop is idempotent
func TestStopTwice(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))

	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2))

	pool.Stop()

	err := pool.Submit(okTask(0, 0))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting before start
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Submit(okTask(0, 0))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestStopUnblocksSubmit tests a Submit blocked on a full queue returns on Stop
func TestStopUnblocksSubmit(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(0)
	require.NoError(t, pool.Start(context.Background(), 1))

	release := Task{Ligand: "hold", Exec: func(context.Context) types.LigandResult {
		<-block
		return types.FailedLigand("hold", "x")
	}}
	require.NoError(t, pool.Submit(release))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(okTask(1, 0)) }()

	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Stop")
	}

	// Worker is still blocked sending its result; drain to let Stop finish.
	close(block)
	_, _ = pool.ReceiveResult()
	<-stopped
}

// TestReceiveResultAfterStop tests ReceiveResult after Stop with nothing pending
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2))

	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(b.N)
	if err := pool.Start(context.Background(), 8); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(okTask(i, 0))
	}
	for i := 0; i < b.N; i++ {
		_, _ = pool.ReceiveResult()
	}
	b.StopTimer()
	pool.Stop()
}
