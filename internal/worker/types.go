package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// Task 代表一個配體的處理工作
type Task struct {
	JobID  types.JobID                                 // 所屬任務
	Index  int                                         // 配體在輸入中的位置
	Ligand string                                      // 配體名稱，panic 時用來產生失敗結果
	Exec   func(ctx context.Context) types.LigandResult // 實際工作，必須回傳一筆結果
}

// Result 代表工作執行結果
type Result struct {
	JobID    types.JobID        // 所屬任務
	Index    int                // 對應 Task.Index
	Ligand   types.LigandResult // 配體結果（成功或失敗）
	Duration time.Duration      // 實際執行時間
}
