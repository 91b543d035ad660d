// ============================================================================
// dockq 控制器 - Docking 任務協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 接收任務、分派處理、彙整配體結果，並在重啟後恢復任務狀態
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - jobstore.Store: 任務紀錄與狀態機（唯一真實來源）
//   - workspace.Manager: 每個任務獨立的檔案工作區
//   - pipeline.Pipeline: 單一配體的 準備 → 對接 → 解析 流程
//   - worker.Pool: 每個任務一個 Pool，限制任務內的並行配體數
//   - WAL + Snapshot: 選用的持久化（設定路徑才啟用）
//
// 核心循環:
//   1. Dispatch Loop - 從 pending 佇列取任務，受 MaxActiveJobs 限制
//   2. Snapshot Loop - 定期快照並清空 WAL（持久化模式）
//   3. Reaper Loop - 刪除超過保留期限的已結束任務
//
// 任務處理 (processJob):
//   pending → processing → 受體準備 → 配體扇出到 worker pool
//   → 每筆結果以一次 Mutate 寫入（完成順序）→ completed
//   受體準備失敗 → failed，所有配體記錄為 "not attempted"
//
// 取消:
//   Delete 會取消任務的 context；pipeline 在步驟之間檢查取消，
//   寫回已刪除任務的結果會得到 ErrJobNotFound 並被丟棄。
//
// 崩潰恢復流程（recovery.go）:
//   loadSnapshot → replayWAL → 仍為 pending / processing 的任務標記為 failed
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/dockq/internal/jobstore"
	"github.com/ChuLiYu/dockq/internal/metrics"
	"github.com/ChuLiYu/dockq/internal/pipeline"
	"github.com/ChuLiYu/dockq/internal/snapshot"
	"github.com/ChuLiYu/dockq/internal/storage/wal"
	"github.com/ChuLiYu/dockq/internal/toolchain"
	"github.com/ChuLiYu/dockq/internal/worker"
	"github.com/ChuLiYu/dockq/internal/workspace"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped Controller 已停止，不再接受任務
	ErrStopped = errors.New("controller is stopped")
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrNotStarted Start 尚未完成（恢復期間也不接受任務）
	ErrNotStarted = errors.New("controller not started")
)

// ReasonNotRecorded 結果寫入失敗時，完成前補上的失敗原因
const ReasonNotRecorded = "result not recorded"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkspaceRoot string          // 任務工作區根目錄
	MaxFileSize   int64           // 單一上傳檔案上限（bytes）
	MaxLigands    int             // 單一任務的配體數上限
	WorkersPerJob int             // 單一任務內同時處理的配體數
	MaxActiveJobs int             // 同時處理中的任務上限
	EngineSlots   int             // 全域 engine 並行上限，0 表示不限制
	Pipeline      pipeline.Config // 外部工具設定

	WALPath          string        // WAL 檔案路徑，空字串表示只存在記憶體
	SnapshotPath     string        // 快照檔案路徑
	SnapshotInterval time.Duration // 快照間隔
	SyncOnAppend     bool          // 每筆 WAL 事件都 fsync

	RetentionPeriod time.Duration // 已結束任務的保留時間，0 表示永久保留
	ReapInterval    time.Duration // 保留期限檢查間隔
}

func (c Config) durable() bool {
	return c.WALPath != "" && c.SnapshotPath != ""
}

func (c *Config) applyDefaults() {
	if c.WorkersPerJob <= 0 {
		c.WorkersPerJob = 1
	}
	if c.MaxActiveJobs <= 0 {
		c.MaxActiveJobs = 1
	}
	if c.MaxLigands <= 0 {
		c.MaxLigands = 100
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
}

// Option 設定 Controller
type Option func(*Controller)

// WithMetrics 記錄 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller 核心控制器
type Controller struct {
	config    Config
	store     *jobstore.Store
	workspace *workspace.Manager
	pipeline  *pipeline.Pipeline
	wal       *wal.WAL          // nil 表示記憶體模式
	snapshot  *snapshot.Manager // nil 表示記憶體模式
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	jobSlots *semaphore.Weighted // MaxActiveJobs
	wakeCh   chan struct{}       // Submit 喚醒 dispatch loop
	stopCh   chan struct{}       // 停止訊號
	ctx      context.Context     // 所有任務 context 的根
	cancel   context.CancelFunc

	mu        sync.Mutex
	cancels   map[types.JobID]context.CancelFunc // 處理中任務的取消函式
	started   bool
	stopped   bool
	recovered bool // 恢復完成後才允許寫快照，避免空狀態覆蓋舊快照
	startTime time.Time

	loopWg sync.WaitGroup // 等待所有循環退出
	jobWg  sync.WaitGroup // 等待所有處理中的任務
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - runner: 執行外部工具（正式環境為 toolchain.ExecRunner）
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 工作區或 WAL 無法建立
func NewController(config Config, runner toolchain.Runner, opts ...Option) (*Controller, error) {
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
		jobSlots: semaphore.NewWeighted(int64(config.MaxActiveJobs)),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		cancels:  make(map[types.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 1. 工作區
	ws, err := workspace.NewManager(config.WorkspaceRoot, config.MaxFileSize, c.logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open workspace root: %w", err)
	}
	c.workspace = ws

	// 2. 任務紀錄（刪除時清掉工作區）
	c.store = jobstore.New(
		jobstore.WithLogger(c.logger),
		jobstore.WithOnDelete(func(job *types.DockingJob) {
			c.workspace.Destroy(c.workspace.Open(job.ID))
		}),
	)

	// 3. 持久化（選用）；WAL 在恢復完成後才接到 store
	if config.durable() {
		walInstance, err := wal.NewWAL(config.WALPath, config.SyncOnAppend)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		c.wal = walInstance
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}

	// 4. 配體處理流程
	c.pipeline = pipeline.New(config.Pipeline, runner,
		pipeline.WithEngineSlots(int64(config.EngineSlots)),
		pipeline.WithMetrics(c.metrics),
		pipeline.WithLogger(c.logger),
	)

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot → replayWAL → 中斷任務標記為 failed
//  2. 啟動階段：啟動 dispatch / snapshot / reaper 循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = c.now()
	c.mu.Unlock()

	if c.wal != nil {
		if err := c.recoverState(); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		c.mu.Lock()
		c.recovered = true
		c.mu.Unlock()
	}
	c.refreshGauges()

	c.loopWg.Add(1)
	go c.dispatchLoop()

	if c.wal != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.config.RetentionPeriod > 0 {
		c.loopWg.Add(1)
		go c.reaperLoop()
	}

	// 恢復後可能已有待處理任務
	c.wake()

	c.logger.Info("Controller started",
		"workers_per_job", c.config.WorkersPerJob,
		"max_active_jobs", c.config.MaxActiveJobs,
		"durable", c.wal != nil)
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 取出 pending 任務並啟動處理
// Submit 會透過 wakeCh 立即喚醒；ticker 只是保險
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Dispatch loop stopped")
			return
		case <-c.wakeCh:
		case <-ticker.C:
		}
		c.dispatchPending()
	}
}

// dispatchPending 在有空位時持續分派，直到佇列清空
func (c *Controller) dispatchPending() {
	for {
		// 先取得空位再出佇列，任務在等待期間保持 pending
		if err := c.jobSlots.Acquire(c.ctx, 1); err != nil {
			return
		}
		id, ok := c.store.PopPending()
		if !ok {
			c.jobSlots.Release(1)
			return
		}

		c.jobWg.Add(1)
		go func() {
			defer c.jobWg.Done()
			defer c.jobSlots.Release(1)
			c.processJob(id)
		}()
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// reaperLoop 刪除超過保留期限的已結束任務
func (c *Controller) reaperLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("Reaper loop stopped")
			return
		case <-ticker.C:
			c.reapExpired()
		}
	}
}

func (c *Controller) reapExpired() int {
	cutoff := c.now().Add(-c.config.RetentionPeriod)
	reaped := 0
	for _, job := range c.store.List() {
		if !job.Status.IsTerminal() || job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if _, err := c.store.Delete(job.ID); err != nil {
			if !errors.Is(err, jobstore.ErrJobNotFound) {
				c.logger.Error("Failed to reap job", "job_id", job.ID, "error", err)
			}
			continue
		}
		reaped++
	}
	if reaped > 0 {
		c.logger.Info("Expired jobs removed", "count", reaped)
		c.refreshGauges()
	}
	return reaped
}

// takeSnapshot 在 store 的鎖內寫快照並清空 WAL
func (c *Controller) takeSnapshot() error {
	if c.wal == nil {
		return nil
	}
	start := time.Now()
	var jobs int
	err := c.store.Checkpoint(func(data types.SnapshotData) error {
		jobs = len(data.Jobs)
		return c.snapshot.Write(data)
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	c.logger.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", jobs)
	return nil
}

// ============================================================================
// 任務處理
// ============================================================================

// processJob 處理單一任務直到終態
//
// Controller 停止時任務維持 processing，不寫入取消結果；
// 下次啟動時由恢復流程標記為 interrupted。
func (c *Controller) processJob(id types.JobID) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	c.registerCancel(id, cancel)
	defer c.unregisterCancel(id)

	log := c.logger.With("job_id", id)

	job, err := c.store.Mutate(id, func(j *types.DockingJob) error {
		if j.Status != types.StatusPending {
			return fmt.Errorf("%w: %s is %s", jobstore.ErrInvalidTransition, id, j.Status)
		}
		j.Status = types.StatusProcessing
		started := c.now().UTC()
		j.StartedAt = &started
		return nil
	})
	if err != nil {
		// 分派與刪除競爭，或任務已被其他路徑處理
		log.Debug("Dequeued job is no longer pending", "error", err)
		return
	}
	c.refreshGauges()
	log.Info("Job processing started", "ligands", job.TotalLigands)

	h := c.workspace.Open(id)
	if !c.workspace.Exists(h) {
		c.failJob(id, "workspace missing")
		return
	}

	receptor, err := c.pipeline.PrepareReceptor(ctx, h, job.Inputs.ReceptorFile)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Job cancelled during receptor preparation")
			return
		}
		log.Warn("Receptor preparation failed", "error", err)
		c.failJob(id, err.Error())
		return
	}

	if err := c.fanOut(ctx, h, job, receptor); err != nil {
		log.Warn("Job failed", "error", err)
		c.failJob(id, err.Error())
		return
	}
	if ctx.Err() != nil {
		log.Info("Job cancelled", "reason", context.Cause(ctx))
		return
	}

	missing := 0
	done, err := c.store.Mutate(id, func(j *types.DockingJob) error {
		// 寫入失敗而遺失的結果補上失敗紀錄，計數必須等於配體數
		missing = fillMissing(j, ReasonNotRecorded)
		j.Finish(types.StatusCompleted, c.now().UTC())
		return nil
	})
	if err != nil {
		c.logStoreError(log, "Failed to complete job", err)
		return
	}
	if missing > 0 {
		log.Warn("Ligand results were not recorded", "count", missing)
		for range missing {
			c.metrics.RecordLigand(false)
		}
	}
	c.metrics.RecordCompleted(*done.ProcessingTime)
	c.refreshGauges()
	log.Info("Job completed",
		"successful", done.SuccessfulDocks,
		"failed", done.FailedDocks,
		"processing_time", *done.ProcessingTime)
}

// fanOut 把配體分給 min(WorkersPerJob, n) 個 worker，並逐筆寫回結果
// 只在 worker pool 無法啟動時回傳錯誤
func (c *Controller) fanOut(ctx context.Context, h workspace.Handle, job *types.DockingJob, receptor string) error {
	ligands := ligandsOf(job)
	n := len(ligands)

	// 結果緩衝容納全部配體，worker 送出結果不會阻塞
	pool := worker.NewPool(n).WithLogger(c.logger)
	if err := pool.Start(ctx, min(c.config.WorkersPerJob, n)); err != nil {
		return fmt.Errorf("worker pool start failed: %w", err)
	}
	defer pool.Stop()

	submitted := 0
	for i, lig := range ligands {
		task := worker.Task{
			JobID:  job.ID,
			Index:  i,
			Ligand: lig.Name,
			Exec: func(ctx context.Context) types.LigandResult {
				return c.pipeline.Dock(ctx, h, receptor, lig, job.Params)
			},
		}
		if err := pool.Submit(task); err != nil {
			c.recordResult(job.ID, types.FailedLigand(lig.Name, "not attempted: "+err.Error()))
			continue
		}
		submitted++
	}

	for received := 0; received < submitted; received++ {
		res, err := pool.ReceiveResult()
		if err != nil {
			return fmt.Errorf("worker pool closed early: %w", err)
		}
		c.recordResult(job.ID, res.Ligand)
	}
	return nil
}

// recordResult 以一次 Mutate 追加結果並更新計數
func (c *Controller) recordResult(id types.JobID, result types.LigandResult) {
	if c.ctx.Err() != nil {
		// 關機中：留給重啟恢復流程處理
		return
	}
	_, err := c.store.Mutate(id, func(j *types.DockingJob) error {
		j.AddResult(result)
		return nil
	})
	if err != nil {
		c.logStoreError(c.logger.With("job_id", id, "ligand", result.LigandName), "Ligand result dropped", err)
		return
	}
	c.metrics.RecordLigand(result.Succeeded())
}

// failJob 任務層級失敗：記錄錯誤並讓每個配體都有結果
func (c *Controller) failJob(id types.JobID, message string) {
	if c.ctx.Err() != nil {
		return
	}
	_, err := c.store.Mutate(id, func(j *types.DockingJob) error {
		j.ErrorMessage = message
		failRemaining(j, message)
		j.Finish(types.StatusFailed, c.now().UTC())
		return nil
	})
	if err != nil {
		c.logStoreError(c.logger.With("job_id", id), "Failed to mark job failed", err)
		return
	}
	c.metrics.RecordFailed()
	c.refreshGauges()
}

// failRemaining 為尚未有結果的配體補上 not attempted 結果
func failRemaining(j *types.DockingJob, reason string) {
	fillMissing(j, "not attempted: "+reason)
}

// fillMissing 為尚未有結果的配體補上失敗結果，回傳補上的筆數
func fillMissing(j *types.DockingJob, reason string) int {
	seen := make(map[string]bool, len(j.LigandResults))
	for _, r := range j.LigandResults {
		seen[r.LigandName] = true
	}
	added := 0
	for _, path := range j.Inputs.LigandFiles {
		name := workspace.Stem(path)
		if !seen[name] {
			j.AddResult(types.FailedLigand(name, reason))
			added++
		}
	}
	return added
}

func ligandsOf(job *types.DockingJob) []pipeline.Ligand {
	out := make([]pipeline.Ligand, 0, len(job.Inputs.LigandFiles))
	for _, path := range job.Inputs.LigandFiles {
		out = append(out, pipeline.Ligand{Name: workspace.Stem(path), Path: path})
	}
	return out
}

func (c *Controller) logStoreError(log *slog.Logger, msg string, err error) {
	if errors.Is(err, jobstore.ErrJobNotFound) {
		log.Debug(msg+": job deleted", "error", err)
		return
	}
	log.Error(msg, "error", err)
}

// ============================================================================
// 公開方法
// ============================================================================

// Status 取得任務紀錄（副本，讀者永遠看不到寫到一半的狀態）
func (c *Controller) Status(id types.JobID) (*types.DockingJob, error) {
	return c.store.Get(id)
}

// List 依建立時間回傳所有任務
func (c *Controller) List() []*types.DockingJob {
	return c.store.List()
}

// Delete 移除任務紀錄與工作區，並取消仍在進行的處理
func (c *Controller) Delete(id types.JobID) error {
	if _, err := c.store.Delete(id); err != nil {
		return err
	}
	c.cancelJob(id)
	c.refreshGauges()
	c.logger.Info("Job deleted", "job_id", id)
	return nil
}

// GetStats 各狀態任務數
func (c *Controller) GetStats() jobstore.Stats {
	return c.store.Stats()
}

// Uptime 自 Start 起經過的時間
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.now().Sub(c.startTime)
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知所有循環停止
//  2. cancel()      → 取消所有任務 context，dispatch 的 Acquire 也會返回
//  3. loopWg.Wait() → 等待循環退出（之後不會再有新任務啟動）
//  4. jobWg.Wait()  → 等待處理中的任務收尾（取消後很快結束）
//  5. 最後一次快照，關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Debug("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping controller...")

	close(c.stopCh)
	c.cancel()
	c.loopWg.Wait()
	c.jobWg.Wait()

	c.mu.Lock()
	recovered := c.recovered
	c.mu.Unlock()

	if c.wal != nil {
		if recovered {
			if err := c.takeSnapshot(); err != nil {
				c.logger.Error("Failed to take final snapshot", "error", err)
			}
		}
		if err := c.wal.Close(); err != nil {
			c.logger.Error("Failed to close WAL", "error", err)
		}
	}

	c.logger.Info("Controller stopped")
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// accepting 回傳目前不能受理任務的原因
func (c *Controller) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ErrStopped
	case !c.started, c.wal != nil && !c.recovered:
		return ErrNotStarted
	}
	return nil
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Controller) registerCancel(id types.JobID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = cancel
}

func (c *Controller) unregisterCancel(id types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}

func (c *Controller) cancelJob(id types.JobID) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Controller) refreshGauges() {
	st := c.store.Stats()
	c.metrics.UpdateJobStats(st.Pending, st.Processing)
}
