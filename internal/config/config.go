// ============================================================================
// dockq 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置檔，再以 .env 與 DOCKQ_ 前綴的環境變數覆寫
//
// 載入順序（後者覆寫前者）：
//   1. 內建預設值（applyDefaults，只填補零值）
//   2. YAML 檔案（預設 configs/default.yaml）
//   3. .env 檔案（存在才載入）
//   4. 環境變數，例如 DOCKQ_WORKER_MAX_ACTIVE_JOBS=8
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dockq/internal/pipeline"
)

// EnvPrefix 所有環境變數覆寫的共同前綴
const EnvPrefix = "DOCKQ_"

// DefaultPath CLI 未指定 --config 時使用的路徑
const DefaultPath = "configs/default.yaml"

// ErrInvalidConfig 配置值不合理
var ErrInvalidConfig = errors.New("invalid config")

// Config 系統完整配置
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Worker    WorkerConfig    `yaml:"worker" envPrefix:"WORKER_"`
	Limits    LimitsConfig    `yaml:"limits" envPrefix:"LIMITS_"`
	Tools     ToolsConfig     `yaml:"tools" envPrefix:"TOOLS_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Retention RetentionConfig `yaml:"retention" envPrefix:"RETENTION_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig gRPC 服務配置
type ServerConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

// WorkerConfig 並行度配置
type WorkerConfig struct {
	WorkersPerJob int `yaml:"workers_per_job" env:"WORKERS_PER_JOB"` // 單一任務內同時處理的配體數
	MaxActiveJobs int `yaml:"max_active_jobs" env:"MAX_ACTIVE_JOBS"` // 同時處理中的任務上限
	EngineSlots   int `yaml:"engine_slots" env:"ENGINE_SLOTS"`       // 全域對接引擎並行上限，0 表示不限制
}

// LimitsConfig 輸入限制
type LimitsConfig struct {
	MaxLigands  int   `yaml:"max_ligands" env:"MAX_LIGANDS"`
	MaxFileSize int64 `yaml:"max_file_size" env:"MAX_FILE_SIZE"` // bytes
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	ReceptorPrep string        `yaml:"receptor_prep" env:"RECEPTOR_PREP"`
	LigandPrep   string        `yaml:"ligand_prep" env:"LIGAND_PREP"`
	Engine       string        `yaml:"engine" env:"ENGINE"`
	PrepTimeout  time.Duration `yaml:"prep_timeout" env:"PREP_TIMEOUT"`
	DockTimeout  time.Duration `yaml:"dock_timeout" env:"DOCK_TIMEOUT"`
	EngineCPU    int           `yaml:"engine_cpu" env:"ENGINE_CPU"`
	Seed         int64         `yaml:"seed" env:"SEED"`
}

// StorageConfig 工作區與持久化配置
// WALPath 與 SnapshotPath 皆為空時，任務狀態只保存在記憶體中
type StorageConfig struct {
	WorkspaceRoot    string        `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
	WALPath          string        `yaml:"wal_path" env:"WAL_PATH"`
	SnapshotPath     string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	SyncOnAppend     bool          `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
}

// RetentionConfig 已結束任務的保留策略，Period 為 0 表示永久保留
type RetentionConfig struct {
	Period       time.Duration `yaml:"period" env:"PERIOD"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
}

// MetricsConfig Prometheus 端點
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// LogConfig 日誌配置
type LogConfig struct {
	File   string `yaml:"file" env:"FILE"`
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text 或 json（stderr 輸出格式）
}

// Default 回傳只含預設值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 讀取配置
//
// path 為空時跳過 YAML，只使用預設值與環境變數。
// 檔案存在但格式錯誤、或最終配置不合理時回傳錯誤。
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// .env 只在開發環境存在，找不到不算錯誤
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":50051"
	}

	if c.Worker.WorkersPerJob <= 0 {
		c.Worker.WorkersPerJob = max(runtime.NumCPU()/2, 1)
	}
	if c.Worker.MaxActiveJobs <= 0 {
		c.Worker.MaxActiveJobs = 4
	}

	if c.Limits.MaxLigands <= 0 {
		c.Limits.MaxLigands = 100
	}
	if c.Limits.MaxFileSize <= 0 {
		c.Limits.MaxFileSize = 100 * 1024 * 1024 // 100MB
	}

	if c.Tools.ReceptorPrep == "" {
		c.Tools.ReceptorPrep = "prepare_receptor4.py"
	}
	if c.Tools.LigandPrep == "" {
		c.Tools.LigandPrep = "prepare_ligand4.py"
	}
	if c.Tools.Engine == "" {
		c.Tools.Engine = "vina"
	}
	if c.Tools.PrepTimeout <= 0 {
		c.Tools.PrepTimeout = 2 * time.Minute
	}
	if c.Tools.DockTimeout <= 0 {
		c.Tools.DockTimeout = 30 * time.Minute
	}

	if c.Storage.WorkspaceRoot == "" {
		c.Storage.WorkspaceRoot = "data/jobs"
	}
	if c.Storage.SnapshotInterval <= 0 {
		c.Storage.SnapshotInterval = 30 * time.Second
	}

	if c.Retention.ReapInterval <= 0 {
		c.Retention.ReapInterval = 5 * time.Minute
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 檢查配置值
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Server.Listen != "", "server.listen is required")
	check(c.Worker.WorkersPerJob > 0, "worker.workers_per_job must be positive, got %d", c.Worker.WorkersPerJob)
	check(c.Worker.MaxActiveJobs > 0, "worker.max_active_jobs must be positive, got %d", c.Worker.MaxActiveJobs)
	check(c.Worker.EngineSlots >= 0, "worker.engine_slots must not be negative, got %d", c.Worker.EngineSlots)
	check(c.Limits.MaxLigands > 0, "limits.max_ligands must be positive, got %d", c.Limits.MaxLigands)
	check(c.Limits.MaxFileSize > 0, "limits.max_file_size must be positive, got %d", c.Limits.MaxFileSize)
	check(c.Tools.ReceptorPrep != "", "tools.receptor_prep is required")
	check(c.Tools.LigandPrep != "", "tools.ligand_prep is required")
	check(c.Tools.Engine != "", "tools.engine is required")
	check(c.Tools.PrepTimeout > 0, "tools.prep_timeout must be positive")
	check(c.Tools.DockTimeout > 0, "tools.dock_timeout must be positive")
	check(c.Tools.EngineCPU >= 0, "tools.engine_cpu must not be negative, got %d", c.Tools.EngineCPU)
	check(c.Storage.WorkspaceRoot != "", "storage.workspace_root is required")
	check((c.Storage.WALPath == "") == (c.Storage.SnapshotPath == ""),
		"storage.wal_path and storage.snapshot_path must be set together")
	check(c.Retention.Period >= 0, "retention.period must not be negative")

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// Durable reports whether job state is journaled to disk.
func (c *Config) Durable() bool {
	return c.Storage.WALPath != "" && c.Storage.SnapshotPath != ""
}

// PipelineConfig 轉換為 pipeline 套件使用的工具配置
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		ReceptorPrep: c.Tools.ReceptorPrep,
		LigandPrep:   c.Tools.LigandPrep,
		Engine:       c.Tools.Engine,
		PrepTimeout:  c.Tools.PrepTimeout,
		DockTimeout:  c.Tools.DockTimeout,
		EngineCPU:    c.Tools.EngineCPU,
		Seed:         c.Tools.Seed,
	}
}
