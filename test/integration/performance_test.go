// ============================================================================
// dockq Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and recovery time tests
//
// Test Objectives:
//   1. verify that a batch of jobs is fully processed under concurrency limits
//   2. verify recovery time (< 3 second target)
//   3. verify zero loss: every ligand of every job has exactly one result
//
// TestSystemThroughput:
//   - submit 10 jobs × 8 ligands through gRPC
//   - 4 active jobs, 4 workers per job
//   - measure completion time and ligand throughput
//
// TestRecoveryPerformance:
//   - process 40 jobs with durable storage
//   - stop, then measure NewController + Start on the same paths
//   - target: < 3 seconds, identical job counts
//
// Notes:
//   - the external tools are shell scripts, so throughput mostly measures
//     process spawning and scheduling overhead
//   - skipped with -short
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/internal/toolchain"
	"github.com/ChuLiYu/dockq/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	n := startNode(t, testConfig(t, t.TempDir(), false))
	ctx := context.Background()

	const totalJobs, ligandsPerJob = 10, 8

	startTime := time.Now()
	ids := make([]types.JobID, 0, totalJobs)
	for i := 0; i < totalJobs; i++ {
		id, err := n.client.Submit(ctx, dockingRequest("1abc.pdbqt", ligandNames(fmt.Sprintf("job%02d_lig", i), ligandsPerJob)...))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		job := waitForTerminal(t, n.client, id, 2*time.Minute)
		assert.Equal(t, types.StatusCompleted, job.Status, "job %s", id)
		assert.Equal(t, ligandsPerJob, job.SuccessfulDocks, "job %s", id)
		assert.Len(t, job.LigandResults, ligandsPerJob, "job %s", id)
	}
	elapsedTime := time.Since(startTime)

	stats, err := n.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, totalJobs, stats.Completed)

	throughput := float64(totalJobs*ligandsPerJob) / elapsedTime.Seconds()
	t.Logf("=== Performance Test Results ===")
	t.Logf("Jobs: %d × %d ligands", totalJobs, ligandsPerJob)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f ligands/second", throughput)
	t.Logf("================================")
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}

	root := t.TempDir()
	cfg := testConfig(t, root, true)
	ctx := context.Background()

	// Phase 1: process a batch of jobs
	n1 := startNode(t, cfg)
	const totalJobs = 40
	ids := make([]types.JobID, 0, totalJobs)
	for i := 0; i < totalJobs; i++ {
		id, err := n1.client.Submit(ctx, dockingRequest("1abc.pdbqt", ligandNames(fmt.Sprintf("r%02d_", i), 2)...))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForTerminal(t, n1.client, id, 2*time.Minute)
	}
	before := n1.ctrl.GetStats()
	t.Logf("Before restart - Stats: %+v", before)
	n1.stop()

	// Phase 2: measure recovery time
	logger := discardLogger()
	startTime := time.Now()
	ctrl2, err := controller.NewController(cfg, toolchain.NewExecRunner(logger), controller.WithLogger(logger))
	require.NoError(t, err, "Failed to create controller on recovery")
	require.NoError(t, ctrl2.Start(), "Failed to start controller on recovery")
	recoveryTime := time.Since(startTime)
	defer ctrl2.Stop()

	after := ctrl2.GetStats()
	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Jobs recovered: %d", after.Total)
	t.Logf("===========================")

	assert.Equal(t, before, after, "recovered counts should match")
	assert.Less(t, recoveryTime, 3*time.Second, "recovery time exceeds 3s target")
}
