// ============================================================================
// dockq Ligand Pipeline - 單一配體的處理流程
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 把一個已暫存的配體變成一筆 LigandResult
//
// 流程:
//   1. 檢查取消，確認 intake 暫存的配體檔存在
//   2. 結構準備（ligand prep，.pdbqt 直接使用）
//   3. 組出搜尋參數（receptor / ligand / out / box / exhaustiveness / num_modes）
//   4. 取得 engine slot 後執行 docking engine（DockTimeout）
//   5. 解析 stdout，失敗時改讀輸出結構檔
//   6. 取 rank 1 pose 填入結果
//
// 失敗隔離:
//   Dock 不回傳 error，任何一步失敗都變成一筆帶 FailureReason 的結果，
//   由 controller 記錄並繼續處理其他配體。受體準備例外：它失敗代表整個
//   任務失敗，所以 PrepareReceptor 會回傳 error。
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/dockq/internal/metrics"
	"github.com/ChuLiYu/dockq/internal/parser"
	"github.com/ChuLiYu/dockq/internal/toolchain"
	"github.com/ChuLiYu/dockq/internal/workspace"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// ErrNoOutput 工具成功結束但沒有產生預期的輸出檔
var ErrNoOutput = errors.New("tool produced no output file")

// Failure reasons recorded on LigandResult.
const (
	ReasonCancelled    = "cancelled"
	ReasonNoPosesFound = "no poses found"
)

const preparedExt = ".pdbqt"

// Config 外部工具設定
type Config struct {
	ReceptorPrep string        // 受體準備工具，例如 prepare_receptor4.py
	LigandPrep   string        // 配體準備工具，例如 prepare_ligand4.py
	Engine       string        // docking engine，例如 vina
	PrepTimeout  time.Duration // 每次準備工具呼叫的時間上限
	DockTimeout  time.Duration // 每次 engine 呼叫的時間上限
	EngineCPU    int           // >0 時傳入 --cpu
	Seed         int64         // 非零時傳入 --seed
}

// Ligand is one staged ligand input.
type Ligand struct {
	Name string // stem of the uploaded file name
	Path string // absolute path of the staged upload
}

// Pipeline runs the preparation and docking steps for ligands of any job.
type Pipeline struct {
	cfg     Config
	runner  toolchain.Runner
	slots   *semaphore.Weighted
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEngineSlots bounds concurrent engine processes across all jobs. n <= 0 means unbounded.
func WithEngineSlots(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.slots = semaphore.NewWeighted(n)
		}
	}
}

// WithMetrics records tool invocations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline driving tools through runner.
func New(cfg Config, runner toolchain.Runner, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PrepareReceptor returns an engine-ready receptor path. Errors are job-level.
func (p *Pipeline) PrepareReceptor(ctx context.Context, h workspace.Handle, receptorPath string) (string, error) {
	if isPrepared(receptorPath) {
		return receptorPath, nil
	}
	out := filepath.Join(h.PreparedDir(), "receptor"+preparedExt)
	inv := toolchain.Invocation{
		Executable: p.cfg.ReceptorPrep,
		Args:       []string{"-r", receptorPath, "-o", out},
		Dir:        h.Root,
		Timeout:    p.cfg.PrepTimeout,
	}
	if err := p.runTool(ctx, metrics.ToolReceptorPrep, inv, out); err != nil {
		return "", fmt.Errorf("receptor preparation failed: %w", err)
	}
	return out, nil
}

// Dock runs one ligand through preparation, search and parsing. It always
// returns exactly one result; failures are carried in FailureReason.
func (p *Pipeline) Dock(ctx context.Context, h workspace.Handle, receptor string, lig Ligand, params types.DockingParams) types.LigandResult {
	log := p.logger.With("job_id", h.JobID, "ligand", lig.Name)

	if ctx.Err() != nil {
		return types.FailedLigand(lig.Name, ReasonCancelled)
	}
	if _, err := os.Stat(lig.Path); err != nil {
		return types.FailedLigand(lig.Name, fmt.Sprintf("staged input missing: %v", err))
	}

	prepared, err := p.prepareLigand(ctx, h, lig)
	if err != nil {
		log.Info("ligand preparation failed", "error", err)
		return types.FailedLigand(lig.Name, failureReason(ctx, "ligand preparation", err))
	}
	if ctx.Err() != nil {
		return types.FailedLigand(lig.Name, ReasonCancelled)
	}

	out := filepath.Join(h.OutputDir(), lig.Name+"_out"+preparedExt)
	output, err := p.runEngine(ctx, h, receptor, prepared, out, params)
	if err != nil {
		log.Info("docking failed", "error", err)
		return types.FailedLigand(lig.Name, failureReason(ctx, "docking", err))
	}

	poses, err := parser.Parse(output.Stdout)
	if err != nil {
		if data, readErr := os.ReadFile(out); readErr == nil {
			poses, err = parser.Parse(string(data))
		}
	}
	if err != nil {
		return types.FailedLigand(lig.Name, ReasonNoPosesFound)
	}
	best, err := parser.Best(poses)
	if err != nil {
		return types.FailedLigand(lig.Name, ReasonNoPosesFound+": rank 1 missing")
	}

	log.Debug("ligand docked", "affinity", best.Affinity, "poses", len(poses))
	result := types.LigandResult{
		LigandName:      lig.Name,
		BindingAffinity: &best.Affinity,
		RMSDLowerBound:  &best.RMSDLower,
		RMSDUpperBound:  &best.RMSDUpper,
	}
	if _, err := os.Stat(out); err == nil {
		result.PoseFile = h.Rel(out)
	}
	return result
}

func (p *Pipeline) prepareLigand(ctx context.Context, h workspace.Handle, lig Ligand) (string, error) {
	if isPrepared(lig.Path) {
		return lig.Path, nil
	}
	out := filepath.Join(h.PreparedDir(), lig.Name+preparedExt)
	inv := toolchain.Invocation{
		Executable: p.cfg.LigandPrep,
		Args:       []string{"-l", lig.Path, "-o", out},
		Dir:        h.Root,
		Timeout:    p.cfg.PrepTimeout,
	}
	if err := p.runTool(ctx, metrics.ToolLigandPrep, inv, out); err != nil {
		return "", err
	}
	return out, nil
}

func (p *Pipeline) runEngine(ctx context.Context, h workspace.Handle, receptor, ligand, out string, params types.DockingParams) (toolchain.Output, error) {
	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return toolchain.Output{}, err
		}
		defer p.slots.Release(1)
	}
	p.metrics.EngineStarted()
	defer p.metrics.EngineFinished()

	inv := toolchain.Invocation{
		Executable: p.cfg.Engine,
		Args:       p.EngineArgs(receptor, ligand, out, params),
		Dir:        h.Root,
		Timeout:    p.cfg.DockTimeout,
	}
	start := time.Now()
	output, err := p.runner.Run(ctx, inv)
	p.metrics.ObserveTool(metrics.ToolEngine, outcome(ctx, err), time.Since(start))
	return output, err
}

// EngineArgs builds the engine's argument vector.
func (p *Pipeline) EngineArgs(receptor, ligand, out string, params types.DockingParams) []string {
	args := []string{
		"--receptor", receptor,
		"--ligand", ligand,
		"--out", out,
		"--center_x", formatFloat(params.CenterX),
		"--center_y", formatFloat(params.CenterY),
		"--center_z", formatFloat(params.CenterZ),
		"--size_x", formatFloat(params.SizeX),
		"--size_y", formatFloat(params.SizeY),
		"--size_z", formatFloat(params.SizeZ),
		"--exhaustiveness", strconv.Itoa(params.Exhaustiveness),
		"--num_modes", strconv.Itoa(params.NumModes),
	}
	if p.cfg.EngineCPU > 0 {
		args = append(args, "--cpu", strconv.Itoa(p.cfg.EngineCPU))
	}
	if p.cfg.Seed != 0 {
		args = append(args, "--seed", strconv.FormatInt(p.cfg.Seed, 10))
	}
	return args
}

// runTool runs a preparation tool and checks that it wrote out.
func (p *Pipeline) runTool(ctx context.Context, tool string, inv toolchain.Invocation, out string) error {
	start := time.Now()
	_, err := p.runner.Run(ctx, inv)
	p.metrics.ObserveTool(tool, outcome(ctx, err), time.Since(start))
	if err != nil {
		return err
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("%w: %s", ErrNoOutput, filepath.Base(out))
	}
	return nil
}

func failureReason(ctx context.Context, step string, err error) string {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, toolchain.ErrToolTimeout):
		return fmt.Sprintf("%s timed out: %v", step, err)
	default:
		return fmt.Sprintf("%s failed: %v", step, err)
	}
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case ctx.Err() != nil:
		return metrics.OutcomeCancelled
	case errors.Is(err, toolchain.ErrToolTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailed
	}
}

func isPrepared(path string) bool {
	return strings.EqualFold(filepath.Ext(path), preparedExt)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
