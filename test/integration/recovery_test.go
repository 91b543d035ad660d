// ============================================================================
// dockq 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端對接與恢復功能測試
//
// TestEndToEndRecovery:
//   完整的任務生命週期 + 重啟
//   - 透過 gRPC 提交 1 個受體 + 4 個配體（其中 1 個準備失敗、1 個沒有 pose）
//   - 等待任務完成並驗證每個配體的結果
//   - 停止服務後以相同的 WAL / 快照路徑重啟
//   - 驗證紀錄與下載內容完全保留
//
// TestInterruptedJobFailsAfterRestart:
//   - 對接引擎長時間執行時停止服務
//   - 重啟後該任務為 failed，未完成的配體記錄為 not attempted
//   - 重啟後新提交的任務照常處理
//
// TestReceptorFailureEndToEnd:
//   - 受體準備失敗 → 任務 failed，所有配體 not attempted
//
// ============================================================================

package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/pkg/types"
)

func TestEndToEndRecovery(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, true)
	ctx := context.Background()

	// 第一階段：提交並完成任務
	n1 := startNode(t, cfg)
	id, err := n1.client.Submit(ctx, dockingRequest("1abc.pdb", "aspirin.sdf", "strong_binder.mol2", "lig_fail.sdf", "nopose.sdf"))
	require.NoError(t, err)

	job := waitForTerminal(t, n1.client, id, 30*time.Second)
	require.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 4, job.TotalLigands)
	assert.Len(t, job.LigandResults, 4)
	assert.Equal(t, 2, job.SuccessfulDocks)
	assert.Equal(t, 2, job.FailedDocks)
	assert.Equal(t, "1abc", job.ReceptorName)

	strong, ok := resultFor(job, "strong_binder")
	require.True(t, ok)
	require.NotNil(t, strong.BindingAffinity)
	assert.InDelta(t, -9.4, *strong.BindingAffinity, 1e-9)
	assert.Equal(t, "output/strong_binder_out.pdbqt", strong.PoseFile)

	failed, ok := resultFor(job, "lig_fail")
	require.True(t, ok)
	assert.Nil(t, failed.BindingAffinity)
	assert.Contains(t, failed.FailureReason, "ligand preparation failed")

	nopose, ok := resultFor(job, "nopose")
	require.True(t, ok)
	assert.Nil(t, nopose.BindingAffinity)
	assert.Contains(t, nopose.FailureReason, "no poses found")

	n1.stop()

	// 第二階段：以相同路徑重啟
	n2 := startNode(t, cfg)
	recovered, err := n2.client.Status(ctx, id)
	require.NoError(t, err, "finished job should survive a restart")
	assert.Equal(t, types.StatusCompleted, recovered.Status)
	assert.Equal(t, job.SuccessfulDocks, recovered.SuccessfulDocks)
	assert.Equal(t, job.FailedDocks, recovered.FailedDocks)
	assert.Len(t, recovered.LigandResults, 4)

	// 結果壓縮檔：results.json + 成功配體的 pose
	data, ready, err := n2.client.Download(ctx, id)
	require.NoError(t, err)
	require.True(t, ready)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["results.json"])
	assert.True(t, names["poses/aspirin_out.pdbqt"])
	assert.True(t, names["poses/strong_binder_out.pdbqt"])
	assert.Len(t, names, 3)

	rc, err := zr.Open("results.json")
	require.NoError(t, err)
	defer rc.Close()
	var fromZip types.DockingJob
	require.NoError(t, json.NewDecoder(rc).Decode(&fromZip))
	assert.Equal(t, id, fromZip.ID)
	assert.Equal(t, types.StatusCompleted, fromZip.Status)
}

func TestInterruptedJobFailsAfterRestart(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, true)
	cfg.WorkersPerJob = 1
	ctx := context.Background()

	n1 := startNode(t, cfg)
	id, err := n1.client.Submit(ctx, dockingRequest("1abc.pdbqt", "quick.sdf", "slow.sdf", "later.sdf"))
	require.NoError(t, err)

	// 等到 quick 已完成、slow 正在執行
	require.Eventually(t, func() bool {
		job, err := n1.client.Status(ctx, id)
		return err == nil && job.Status == types.StatusProcessing && len(job.LigandResults) == 1
	}, 20*time.Second, 50*time.Millisecond)

	stopStart := time.Now()
	n1.stop()
	assert.Less(t, time.Since(stopStart), 10*time.Second, "stop should kill the running engine")

	n2 := startNode(t, cfg)
	job, err := n2.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, controller.InterruptedMessage, job.ErrorMessage)
	require.Len(t, job.LigandResults, 3, "every ligand should have a result after recovery")

	quick, ok := resultFor(job, "quick")
	require.True(t, ok)
	assert.True(t, quick.Succeeded(), "results recorded before the restart are kept")

	for _, name := range []string{"slow", "later"} {
		r, ok := resultFor(job, name)
		require.True(t, ok, name)
		assert.True(t, strings.HasPrefix(r.FailureReason, "not attempted"), "%s: %s", name, r.FailureReason)
	}

	// 重啟後的新任務照常處理
	next, err := n2.client.Submit(ctx, dockingRequest("1abc.pdbqt", "after.sdf"))
	require.NoError(t, err)
	done := waitForTerminal(t, n2.client, next, 30*time.Second)
	assert.Equal(t, types.StatusCompleted, done.Status)
}

func TestReceptorFailureEndToEnd(t *testing.T) {
	n := startNode(t, testConfig(t, t.TempDir(), false))

	id, err := n.client.Submit(context.Background(), dockingRequest("broken_fail.pdb", "a.sdf", "b.sdf"))
	require.NoError(t, err)

	job := waitForTerminal(t, n.client, id, 30*time.Second)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "receptor preparation failed")
	require.Len(t, job.LigandResults, 2)
	for _, r := range job.LigandResults {
		assert.False(t, r.Succeeded())
		assert.True(t, strings.HasPrefix(r.FailureReason, "not attempted"))
	}
}
