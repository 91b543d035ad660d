// ============================================================================
// dockq Worker Pool - 並發配體執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一個任務內 Worker goroutine 的生命週期和配體分發
//
// 設計模式:
//   每個 docking 任務建立自己的 Pool：
//   1. 固定數量的 Worker goroutine（min(WorkersPerJob, 配體數)）
//   2. 通過共享的任務 channel 分發配體
//   3. 通過結果 channel 收集結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(buffer) - 創建 Pool，初始化 channels
//   2. Start(ctx, n)   - 啟動 n 個 Worker goroutines
//   3. Submit(task)    - 提交配體工作到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop()          - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - 同時執行的工作數不超過 Worker 數
//   - resultCh 的緩衝應容納所有已提交工作的結果，Worker 送結果是阻塞的
//   - RWMutex: Submit 持讀鎖送出，Stop 持寫鎖關閉 taskCh，
//     避免向已關閉的 channel 送資料
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - ErrPoolStarted: 重複啟動
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號，讓阻塞中的 Submit 返回
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex   // 保護 started / stopped / workers
	sendMu   sync.RWMutex // Submit 送出 vs Stop 關閉 taskCh
	stopOnce sync.Once
	logger   *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
}

// WithLogger 設定 Worker 使用的 logger，須在 Start 前呼叫
func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	if l != nil {
		p.logger = l
	}
	return p
}

// Start 啟動指定數量的 Worker，ctx 會傳給每個 Task.Exec
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.logger)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// Stop 可能在上面檢查之後才發生；stopCh 已關閉代表 taskCh 即將關閉
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// Stop 之後仍可讀出已產生的結果，讀完後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌，關閉 stopCh 讓阻塞中的 Submit 返回
//  2. 取得寫鎖後關閉 taskCh，結束 Worker 的 range 循環
//  3. 等待所有 Worker 完成手上與佇列中的工作
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.sendMu.Lock()
		close(p.taskCh)
		p.sendMu.Unlock()

		p.wg.Wait()
		close(p.resultCh)
	})
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
