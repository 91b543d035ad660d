package controller

// ============================================================================
// 崩潰恢復
// 職責：快照 + WAL 重建任務紀錄，並結束重啟前被中斷的任務
//
// 流程：
//   1. loadSnapshot() - 從最新快照恢復所有紀錄
//   2. replayWAL()    - 重放快照之後的事件（seq > snapshot.LastSeq）
//   3. SetJournal     - 恢復完成才接上 WAL，重放不會重寫日誌
//   4. finishInterrupted() - pending / processing 任務標記為 failed
//
// 外部工具行程隨舊行程一起結束，所以中斷的任務無法續跑。
// ============================================================================

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/dockq/internal/storage/wal"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// InterruptedMessage 重啟時仍未結束的任務所記錄的錯誤訊息
const InterruptedMessage = "interrupted by restart"

func (c *Controller) recoverState() error {
	start := time.Now()

	lastSeq, err := c.loadSnapshot()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	replayed, err := c.replayWAL(lastSeq)
	if err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}

	c.store.SetJournal(c.wal)
	interrupted := c.finishInterrupted()

	recoveryTime := time.Since(start)
	c.metrics.SetRecoveryTime(recoveryTime.Seconds())
	c.logger.Info("Recovery completed",
		"duration", recoveryTime,
		"jobs", c.store.Stats().Total,
		"replayed_events", replayed,
		"interrupted_jobs", interrupted)
	return nil
}

// loadSnapshot 從快照恢復狀態，回傳快照涵蓋的最後序號
func (c *Controller) loadSnapshot() (uint64, error) {
	data, err := c.snapshot.Load()
	if err != nil {
		return 0, err
	}
	c.store.Restore(data)

	// WAL 被 Rotate 清空後，序號必須接續快照
	c.wal.AdvanceSeq(data.LastSeq)

	c.logger.Debug("Snapshot loaded",
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq)
	return data.LastSeq, nil
}

// replayWAL 重放快照之後的事件
// CREATE / UPDATE 都帶完整紀錄，直接覆寫即可，重放多次結果相同
func (c *Controller) replayWAL(afterSeq uint64) (int, error) {
	count := 0
	err := c.wal.Replay(afterSeq, func(event wal.Event) error {
		switch event.Type {
		case wal.EventCreate, wal.EventUpdate:
			job, err := event.Job()
			if err != nil {
				return fmt.Errorf("event %d: %w", event.Seq, err)
			}
			c.store.Put(job)

		case wal.EventDelete:
			c.store.Remove(event.JobID)
			// 刪除可能在清理工作區前中斷
			c.workspace.Destroy(c.workspace.Open(event.JobID))
		}
		count++
		return nil
	})
	return count, err
}

// finishInterrupted 把重啟前未結束的任務標記為 failed，
// 尚未有結果的配體記錄為 not attempted
func (c *Controller) finishInterrupted() int {
	count := 0
	for _, job := range c.store.List() {
		if job.Status.IsTerminal() {
			continue
		}
		_, err := c.store.Mutate(job.ID, func(j *types.DockingJob) error {
			j.ErrorMessage = InterruptedMessage
			failRemaining(j, InterruptedMessage)
			j.Finish(types.StatusFailed, c.now().UTC())
			return nil
		})
		if err != nil {
			c.logger.Error("Failed to mark interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		c.metrics.RecordFailed()
		count++
	}
	return count
}
