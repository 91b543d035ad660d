package controller

// ============================================================================
// 結果下載
// 職責：把已結束任務的結果打包成 zip
//
//   results.json               任務紀錄（含每個配體的結果）
//   poses/<ligand>_out.pdbqt   每個成功配體的對接構象
// ============================================================================

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// Download 將已結束任務的結果寫入 w
//
// 回傳值：
//   - true, nil：已寫入 zip
//   - false, nil：任務尚未結束，沒有寫入任何內容
//   - jobstore.ErrJobNotFound：任務不存在
func (c *Controller) Download(id types.JobID, w io.Writer) (bool, error) {
	job, err := c.store.Get(id)
	if err != nil {
		return false, err
	}
	if !job.Status.IsTerminal() {
		return false, nil
	}

	zw := zip.NewWriter(w)

	manifest, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode results: %w", err)
	}
	f, err := zw.Create("results.json")
	if err != nil {
		return false, fmt.Errorf("write results.json: %w", err)
	}
	if _, err := f.Write(manifest); err != nil {
		return false, fmt.Errorf("write results.json: %w", err)
	}

	h := c.workspace.Open(id)
	for _, r := range job.LigandResults {
		if !r.Succeeded() || r.PoseFile == "" {
			continue
		}
		if err := addFile(zw, path.Join("poses", path.Base(r.PoseFile)), h.Abs(r.PoseFile)); err != nil {
			if os.IsNotExist(err) {
				c.logger.Warn("Pose file missing from workspace", "job_id", id, "ligand", r.LigandName)
				continue
			}
			return false, err
		}
	}

	if err := zw.Close(); err != nil {
		return false, fmt.Errorf("finish archive: %w", err)
	}
	return true, nil
}

func addFile(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}
