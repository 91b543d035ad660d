package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 Job Store 的每一次變更到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復任務紀錄
// 3. 快照後清空日誌（序號持續遞增，不歸零）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後寫入的事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	// 若檔案非空，讀取最後一個事件以取得 seq
	var seq uint64
	lastEvent, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = lastEvent.Seq
	case err == ErrEmptyWAL:
	default:
		file.Close()
		return nil, err
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 遞增 seq，計算 checksum
// - 寫入一行 JSON；syncOnAppend 或 isForceFlush 時 fsync
// - 寫入失敗時 seq 不前進，呼叫端應放棄這次變更
func (w *WAL) Append(eventType EventType, job *types.DockingJob, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	var record []byte
	if eventType != EventDelete {
		var err error
		if record, err = json.Marshal(job); err != nil {
			return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
		}
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Record:    record,
	}
	event.Checksum = CalculateChecksum(eventType, job.ID, seq, record)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("wal: encode event seq=%d: %w", seq, err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend || isForceFlush {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}

	w.seq = seq
	return nil
}

// Replay 重放 seq 大於 afterSeq 的 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 出錯立即停止
// - 最後一行若寫到一半（沒有換行且無法解析）視為當機殘留並略過
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return scanEvents(w.path, func(event Event, _ int64) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.JobID, event.Seq, event.Record),
				Actual:   event.Checksum,
			}
		}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 在快照完成後清空日誌
//
// seq 不歸零：快照記錄的 LastSeq 之後的事件才會被重放
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = newFile
	return nil
}

// AdvanceSeq 確保下一個事件的序號大於 seq
//
// 用途：日誌已在快照後清空時，從快照的 LastSeq 繼續編號
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 返回 WAL 檔案路徑
func (w *WAL) Path() string { return w.path }
