package controller

// ============================================================================
// 任務受理 (Intake)
// 職責：同步驗證上傳內容與參數，暫存到新工作區，建立 pending 任務
// 驗證失敗不會建立任何任務或工作區
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dockq/internal/workspace"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// ErrValidation 所有 *ValidationError 都會匹配
var ErrValidation = errors.New("validation failed")

// ValidationError 描述哪個欄位為何不合法
type ValidationError struct {
	Field  string // receptor, ligands[2], params.size_x ...
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Cause }

// Upload 一個上傳的結構檔
type Upload struct {
	Name string // 原始檔名，例如 1abc.pdbqt
	Data []byte
}

// SubmitRequest 一次對接任務的輸入
type SubmitRequest struct {
	Receptor Upload
	Ligands  []Upload
	Params   types.DockingParams
}

var (
	receptorExts = map[string]bool{".pdb": true, ".pdbqt": true}
	ligandExts   = map[string]bool{".pdb": true, ".pdbqt": true, ".sdf": true, ".mol2": true}
)

// Submit 驗證並建立任務，立即回傳任務 ID
//
// 錯誤：
//   - *ValidationError（errors.Is ErrValidation）：輸入不合法
//   - workspace.ErrWorkspace：工作區建立或暫存失敗（已清理，不建立任務）
//   - ErrStopped / ErrNotStarted：Controller 不在運行中
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.accepting(); err != nil {
		return "", err
	}
	if err := c.validate(req); err != nil {
		return "", err
	}

	id := types.JobID(uuid.NewString())
	h, err := c.workspace.Create(id)
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	job, err := c.stage(h, req)
	if err != nil {
		c.workspace.Destroy(h)
		return "", fmt.Errorf("stage inputs: %w", err)
	}

	if _, err := c.store.Create(job); err != nil {
		c.workspace.Destroy(h)
		return "", fmt.Errorf("record job: %w", err)
	}

	c.metrics.RecordSubmitted()
	c.refreshGauges()
	c.wake()
	c.logger.Info("Job submitted",
		"job_id", id,
		"receptor", job.ReceptorName,
		"ligands", job.TotalLigands)
	return id, nil
}

func (c *Controller) stage(h workspace.Handle, req SubmitRequest) (*types.DockingJob, error) {
	receptorPath, err := c.workspace.Stage(h, req.Receptor.Data, req.Receptor.Name)
	if err != nil {
		return nil, err
	}

	ligandPaths := make([]string, 0, len(req.Ligands))
	for _, lig := range req.Ligands {
		path, err := c.workspace.Stage(h, lig.Data, lig.Name)
		if err != nil {
			return nil, err
		}
		ligandPaths = append(ligandPaths, path)
	}

	return &types.DockingJob{
		ID:            h.JobID,
		ReceptorName:  workspace.Stem(req.Receptor.Name),
		Params:        req.Params,
		TotalLigands:  len(ligandPaths),
		LigandResults: []types.LigandResult{},
		Inputs: types.JobInputs{
			ReceptorFile: receptorPath,
			LigandFiles:  ligandPaths,
		},
	}, nil
}

// ============================================================================
// 驗證
// ============================================================================

func (c *Controller) validate(req SubmitRequest) error {
	if err := c.validateUpload("receptor", req.Receptor, receptorExts); err != nil {
		return err
	}

	switch n := len(req.Ligands); {
	case n == 0:
		return &ValidationError{Field: "ligands", Reason: "at least one ligand is required"}
	case n > c.config.MaxLigands:
		return &ValidationError{Field: "ligands", Reason: fmt.Sprintf("%d ligands exceeds the limit of %d", n, c.config.MaxLigands)}
	}

	receptorPrepared := strings.EqualFold(filepath.Ext(req.Receptor.Name), ".pdbqt")
	stems := make(map[string]int, len(req.Ligands))
	for i, lig := range req.Ligands {
		field := fmt.Sprintf("ligands[%d]", i)
		if err := c.validateUpload(field, lig, ligandExts); err != nil {
			return err
		}
		if lig.Name == req.Receptor.Name {
			return &ValidationError{Field: field, Reason: "file name collides with the receptor"}
		}
		// 準備後的受體固定寫到 prepared/receptor.pdbqt
		stem := workspace.Stem(lig.Name)
		if !receptorPrepared && stem == "receptor" {
			return &ValidationError{Field: field, Reason: `ligand name "receptor" is reserved`}
		}
		if prev, dup := stems[stem]; dup {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate ligand name %q (also ligands[%d])", stem, prev)}
		}
		stems[stem] = i
	}

	return validateParams(req.Params)
}

func (c *Controller) validateUpload(field string, u Upload, allowed map[string]bool) error {
	if err := workspace.CheckName(u.Name); err != nil {
		return &ValidationError{Field: field, Reason: "unsafe file name", Cause: err}
	}
	ext := strings.ToLower(filepath.Ext(u.Name))
	if !allowed[ext] {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	if workspace.Stem(u.Name) == "" {
		return &ValidationError{Field: field, Reason: "file name has no stem"}
	}
	if len(u.Data) == 0 {
		return &ValidationError{Field: field, Reason: "empty file"}
	}
	if limit := c.workspace.MaxFileSize(); limit > 0 && int64(len(u.Data)) > limit {
		return &ValidationError{
			Field:  field,
			Reason: "payload too large",
			Cause:  fmt.Errorf("%w: %d bytes, limit %d", workspace.ErrPayloadTooLarge, len(u.Data), limit),
		}
	}
	if !sniff(ext, u.Data) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("content is not a valid %s structure", strings.TrimPrefix(ext, "."))}
	}
	return nil
}

// sniff 粗略檢查檔案內容是否符合副檔名
func sniff(ext string, data []byte) bool {
	switch ext {
	case ".pdb", ".pdbqt":
		for _, line := range bytes.Split(data, []byte("\n")) {
			if bytes.HasPrefix(line, []byte("ATOM")) || bytes.HasPrefix(line, []byte("HETATM")) {
				return true
			}
		}
		return false
	case ".sdf":
		return bytes.Contains(data, []byte("M  END")) || bytes.Contains(data, []byte("$$$$"))
	case ".mol2":
		return bytes.Contains(data, []byte("@<TRIPOS>MOLECULE"))
	default:
		return false
	}
}

func validateParams(p types.DockingParams) error {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"center_x", p.CenterX}, {"center_y", p.CenterY}, {"center_z", p.CenterZ},
	} {
		if !finite(f.v) {
			return &ValidationError{Field: "params." + f.name, Reason: "must be a finite number"}
		}
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"size_x", p.SizeX}, {"size_y", p.SizeY}, {"size_z", p.SizeZ},
	} {
		if !finite(f.v) || f.v <= 0 {
			return &ValidationError{Field: "params." + f.name, Reason: "must be a positive finite number"}
		}
	}
	if p.Exhaustiveness < 1 || p.Exhaustiveness > 32 {
		return &ValidationError{Field: "params.exhaustiveness", Reason: fmt.Sprintf("must be between 1 and 32, got %d", p.Exhaustiveness)}
	}
	if p.NumModes < 1 || p.NumModes > 20 {
		return &ValidationError{Field: "params.num_modes", Reason: fmt.Sprintf("must be between 1 and 20, got %d", p.NumModes)}
	}
	return nil
}
