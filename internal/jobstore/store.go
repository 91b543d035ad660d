// ============================================================================
// dockq Job Store - 任務紀錄與狀態機
// ============================================================================
//
// Package: internal/jobstore
// 文件: store.go
// 功能: 保存所有 docking 任務紀錄，提供一致（不撕裂）的讀取與原子的變更
//
// 設計理念:
//   1. jobs map - 單一真實來源 (Single Source of Truth)
//   2. queue - pending 任務的 FIFO 分派佇列
//   3. 所有讀取都回傳深拷貝，讀者永遠看不到寫到一半的紀錄
//   4. Mutate 在私有副本上執行，成功才整筆替換
//
// 任務狀態轉換 (State Machine):
//   pending
//      ↓ 開始處理
//   processing
//      ↓ 所有配體都有結果 / 受體準備失敗
//   completed / failed
//
//   pending → failed 只在重啟恢復時使用
//   終態紀錄不可再變更，只能刪除
//
// 持久化:
//   設定 Journal 時，每次 Create / Mutate / Delete 都在寫鎖內先寫日誌，
//   日誌失敗則放棄這次變更，所以日誌順序等於變更順序。
//   Checkpoint 在同一把鎖內產生快照並清空日誌。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料
//   - 刪除 hook 在鎖外執行（會碰檔案系統）
//
// ============================================================================

package jobstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dockq/internal/storage/wal"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobTerminal 終態任務不可再變更
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Journal 記錄 store 的每一次變更（*wal.WAL 實作此介面）
type Journal interface {
	Append(eventType wal.EventType, job *types.DockingJob, isForceFlush bool) error
	GetLastSeq() uint64
	Rotate() error
}

// Stats 各狀態的任務數
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Store 任務紀錄儲存
type Store struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.DockingJob
	queue    []types.JobID // 待分派佇列（FIFO）
	journal  Journal
	onDelete func(job *types.DockingJob)
	logger   *slog.Logger
	now      func() time.Time
}

// Option 設定 Store
type Option func(*Store)

// WithJournal 每次變更先寫入 j
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithOnDelete 紀錄刪除後（鎖外）呼叫 fn，用來清理工作區
func WithOnDelete(fn func(job *types.DockingJob)) Option {
	return func(s *Store) { s.onDelete = fn }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 建立空的 Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:   make(map[types.JobID]*types.DockingJob),
		queue:  make([]types.JobID, 0),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetJournal 在恢復完成後才接上日誌，避免重放時重寫日誌
func (s *Store) SetJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// ============================================================================
// 寫入操作
// ============================================================================

// Create 新增任務，狀態強制為 pending 並排入分派佇列
// ID 為空時產生 UUID
func (s *Store) Create(job *types.DockingJob) (types.JobID, error) {
	rec := job.Clone()
	if rec.ID == "" {
		rec.ID = types.JobID(uuid.NewString())
	}
	rec.Status = types.StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[rec.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, rec.ID)
	}
	if err := s.journalLocked(wal.EventCreate, rec, true); err != nil {
		return "", err
	}

	s.jobs[rec.ID] = rec
	s.queue = append(s.queue, rec.ID)
	return rec.ID, nil
}

// Mutate 在私有副本上執行 fn，成功才整筆替換紀錄
//
// 規則：
//   - 任務不存在 → ErrJobNotFound
//   - 任務已是終態 → ErrJobTerminal
//   - fn 回傳錯誤 → 不變更，原樣回傳該錯誤
//   - 狀態轉換不合法 → ErrInvalidTransition
//   - 日誌寫入失敗 → 不變更
//
// 回傳變更後紀錄的副本
func (s *Store) Mutate(id types.JobID, fn func(job *types.DockingJob) error) (*types.DockingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, cur.Status)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	if !types.CanTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, cur.Status, next.Status)
	}

	// 終態必須落盤；中間進度交給下一次 fsync
	if err := s.journalLocked(wal.EventUpdate, next, next.Status.IsTerminal()); err != nil {
		return nil, err
	}

	s.jobs[id] = next
	return next.Clone(), nil
}

// Delete 移除任務紀錄，並在鎖外呼叫刪除 hook
func (s *Store) Delete(id types.JobID) (*types.DockingJob, error) {
	s.mu.Lock()
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := s.journalLocked(wal.EventDelete, &types.DockingJob{ID: id}, true); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delete(s.jobs, id)
	s.removeFromQueueLocked(id)
	s.mu.Unlock()

	if s.onDelete != nil {
		s.onDelete(job)
	}
	return job, nil
}

// PopPending 取出下一個待分派的任務 ID（FIFO）
// 已經離開 pending 或已刪除的 ID 會被略過
func (s *Store) PopPending() (types.JobID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if job, ok := s.jobs[id]; ok && job.Status == types.StatusPending {
			return id, true
		}
	}
	return "", false
}

// ============================================================================
// 讀取操作
// ============================================================================

// Get 取得任務紀錄的副本
func (s *Store) Get(id types.JobID) (*types.DockingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List 依建立時間排序回傳所有任務副本
func (s *Store) List() []*types.DockingJob {
	s.mu.RLock()
	out := make([]*types.DockingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats 取得各狀態任務的統計資訊
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.Status {
		case types.StatusPending:
			st.Pending++
		case types.StatusProcessing:
			st.Processing++
		case types.StatusCompleted:
			st.Completed++
		case types.StatusFailed:
			st.Failed++
		}
	}
	return st
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Restore 以快照內容取代目前所有紀錄（不寫日誌）
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[types.JobID]*types.DockingJob, len(data.Jobs))
	s.queue = make([]types.JobID, 0)
	for id, job := range data.Jobs {
		s.jobs[id] = job.Clone()
	}
	s.rebuildQueueLocked()
}

// Put 直接寫入一筆紀錄（重放日誌用，不寫日誌、不檢查狀態轉換）
func (s *Store) Put(job *types.DockingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	s.rebuildQueueLocked()
}

// Remove 直接移除一筆紀錄（重放日誌用，不呼叫刪除 hook）
func (s *Store) Remove(id types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	s.removeFromQueueLocked(id)
}

// Snapshot 生成快照資料（深拷貝）
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Checkpoint 在寫鎖內產生快照交給 fn 持久化，成功後清空日誌
//
// 持鎖期間沒有其他變更能插入，快照與日誌的邊界因此是精確的
func (s *Store) Checkpoint(fn func(types.SnapshotData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.snapshotLocked()
	if s.journal != nil {
		data.LastSeq = s.journal.GetLastSeq()
	}
	if err := fn(data); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal.Rotate(); err != nil {
			return fmt.Errorf("rotate journal after snapshot: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Store) journalLocked(eventType wal.EventType, job *types.DockingJob, force bool) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(eventType, job, force); err != nil {
		s.logger.Error("journal append failed", "event", eventType, "job_id", job.ID, "error", err)
		return fmt.Errorf("journal %s %s: %w", eventType, job.ID, err)
	}
	return nil
}

func (s *Store) snapshotLocked() types.SnapshotData {
	jobsCopy := make(map[types.JobID]*types.DockingJob, len(s.jobs))
	for id, job := range s.jobs {
		jobsCopy[id] = job.Clone()
	}
	return types.SnapshotData{Jobs: jobsCopy}
}

func (s *Store) rebuildQueueLocked() {
	pending := make([]*types.DockingJob, 0)
	for _, job := range s.jobs {
		if job.Status == types.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	s.queue = s.queue[:0]
	for _, job := range pending {
		s.queue = append(s.queue, job.ID)
	}
}

func (s *Store) removeFromQueueLocked(id types.JobID) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
