// Package types 定義了 dockq 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"    // 待處理狀態：任務已建立但尚未開始執行
	StatusProcessing JobStatus = "processing" // 執行中狀態：配體正在被 worker 處理
	StatusCompleted  JobStatus = "completed"  // 完成狀態：所有配體都產生了結果（不論成敗）
	StatusFailed     JobStatus = "failed"     // 失敗狀態：任務層級錯誤，例如受體準備失敗
)

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// pending→failed is only taken by crash recovery.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// DockingParams 搜尋空間參數
type DockingParams struct {
	CenterX        float64 `json:"center_x" yaml:"center_x"`
	CenterY        float64 `json:"center_y" yaml:"center_y"`
	CenterZ        float64 `json:"center_z" yaml:"center_z"`
	SizeX          float64 `json:"size_x" yaml:"size_x"`
	SizeY          float64 `json:"size_y" yaml:"size_y"`
	SizeZ          float64 `json:"size_z" yaml:"size_z"`
	Exhaustiveness int     `json:"exhaustiveness" yaml:"exhaustiveness"`
	NumModes       int     `json:"num_modes" yaml:"num_modes"`
}

// DefaultParams returns the search box used when a caller leaves parameters unset.
func DefaultParams() DockingParams {
	return DockingParams{
		SizeX:          20,
		SizeY:          20,
		SizeZ:          20,
		Exhaustiveness: 8,
		NumModes:       9,
	}
}

// LigandResult 單一配體的對接結果
// 失敗的配體也會記錄，分數欄位為 nil 並帶有 FailureReason
type LigandResult struct {
	LigandName      string   `json:"ligand_name"`
	BindingAffinity *float64 `json:"binding_affinity"`         // kcal/mol，越低結合越強
	RMSDLowerBound  *float64 `json:"rmsd_lower_bound"`         // 相對最佳構象的 RMSD 下界
	RMSDUpperBound  *float64 `json:"rmsd_upper_bound"`         // 相對最佳構象的 RMSD 上界
	PoseFile        string   `json:"pose_file,omitempty"`      // 相對於工作區的輸出檔路徑
	FailureReason   string   `json:"failure_reason,omitempty"` // 失敗原因
}

// Succeeded reports whether the ligand docked and carries a score.
func (r LigandResult) Succeeded() bool {
	return r.FailureReason == "" && r.BindingAffinity != nil
}

// FailedLigand builds the result recorded for a ligand that produced no pose.
func FailedLigand(name, reason string) LigandResult {
	return LigandResult{LigandName: name, FailureReason: reason}
}

// JobInputs 已暫存的輸入檔案（工作區內的絕對路徑）
type JobInputs struct {
	ReceptorFile string   `json:"receptor_file"`
	LigandFiles  []string `json:"ligand_files"`
}

// DockingJob 對接任務，代表一個受體加上一批配體
type DockingJob struct {
	// 識別與輸入
	ID           JobID         `json:"job_id"`
	ReceptorName string        `json:"receptor_name"`
	Params       DockingParams `json:"params"`
	Inputs       JobInputs     `json:"inputs"`

	// 狀態追蹤
	Status          JobStatus      `json:"status"`
	TotalLigands    int            `json:"total_ligands"`
	SuccessfulDocks int            `json:"successful_docks"`
	FailedDocks     int            `json:"failed_docks"`
	LigandResults   []LigandResult `json:"ligand_results"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	// 時間管理
	ProcessingTime *float64   `json:"processing_time,omitempty"` // 秒
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AddResult appends a ligand result and bumps the matching counter.
func (j *DockingJob) AddResult(r LigandResult) {
	j.LigandResults = append(j.LigandResults, r)
	if r.Succeeded() {
		j.SuccessfulDocks++
	} else {
		j.FailedDocks++
	}
}

// Finish moves the job to a terminal status and stamps the timing fields.
func (j *DockingJob) Finish(status JobStatus, now time.Time) {
	j.Status = status
	if j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	if j.ProcessingTime == nil {
		start := j.CreatedAt
		if j.StartedAt != nil {
			start = *j.StartedAt
		}
		secs := now.Sub(start).Seconds()
		j.ProcessingTime = &secs
	}
}

// Clone 深拷貝，讓讀取者拿到的快照不會與 store 共享記憶體
func (j *DockingJob) Clone() *DockingJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Inputs.LigandFiles = append([]string(nil), j.Inputs.LigandFiles...)
	if j.LigandResults != nil {
		c.LigandResults = make([]LigandResult, len(j.LigandResults))
		for i, r := range j.LigandResults {
			c.LigandResults[i] = r.clone()
		}
	}
	c.ProcessingTime = cloneFloat(j.ProcessingTime)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func (r LigandResult) clone() LigandResult {
	r.BindingAffinity = cloneFloat(r.BindingAffinity)
	r.RMSDLowerBound = cloneFloat(r.RMSDLowerBound)
	r.RMSDUpperBound = cloneFloat(r.RMSDUpperBound)
	return r
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*DockingJob `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int                   `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	LastSeq   uint64                `json:"last_seq"`   // 最後處理的序列號
}
