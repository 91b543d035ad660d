package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、驗證、除錯輸出）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// scanEvents 逐行讀取事件並呼叫 fn
// 最後一行若沒有換行且無法解析，視為寫到一半的殘留並略過
func scanEvents(path string, fn func(event Event, offset int64) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var event Event
				if err := json.Unmarshal(trimmed, &event); err != nil {
					if !complete {
						return nil
					}
					return &CorruptionError{Offset: offset, Cause: err}
				}
				if err := fn(event, offset); err != nil {
					return err
				}
			}
			offset += int64(len(line))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件，檔案為空或不存在時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scanEvents(path, func(event Event, _ int64) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := scanEvents(path, func(Event, int64) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（Rotate 後不一定從 1 開始）
func ValidateWAL(path string) error {
	var lastSeq uint64
	return scanEvents(path, func(event Event, offset int64) error {
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.JobID, event.Seq, event.Record),
				Actual:   event.Checksum,
			}
		}
		if event.Seq <= lastSeq {
			return &CorruptionError{
				Seq:    event.Seq,
				Offset: offset,
				Cause:  fmt.Errorf("seq %d does not follow %d", event.Seq, lastSeq),
			}
		}
		lastSeq = event.Seq
		return nil
	})
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] CREATE 6f1c... status=pending at 2025-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scanEvents(path, func(event Event, _ int64) error {
		status := "-"
		if event.Type != EventDelete {
			if job, err := event.Job(); err == nil {
				status = string(job.Status)
			}
		}
		mark := ""
		if !VerifyChecksum(event) {
			mark = " CORRUPTED"
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s status=%s at %s (checksum:0x%08x)%s\n",
			event.Seq,
			event.Type,
			event.JobID,
			status,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339),
			event.Checksum,
			mark)
		return err
	})
}
