// Package workspace manages the per-job directory tree holding uploaded inputs,
// prepared structures and engine output.
//
// Layout:
//
//	<root>/<job-id>/uploads    raw files as submitted
//	<root>/<job-id>/prepared   engine-ready structures
//	<root>/<job-id>/output     engine output (docked poses)
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/dockq/pkg/types"
)

var (
	// ErrPayloadTooLarge 上傳檔案超過設定上限
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnsafeName 檔名會逃出工作區（路徑穿越）
	ErrUnsafeName = errors.New("unsafe file name")
	// ErrWorkspace 工作區 I/O 失敗
	ErrWorkspace = errors.New("workspace error")
)

const (
	uploadsDir  = "uploads"
	preparedDir = "prepared"
	outputDir   = "output"
)

// Handle identifies one job's workspace.
type Handle struct {
	JobID types.JobID
	Root  string
}

func (h Handle) UploadDir() string   { return filepath.Join(h.Root, uploadsDir) }
func (h Handle) PreparedDir() string { return filepath.Join(h.Root, preparedDir) }
func (h Handle) OutputDir() string   { return filepath.Join(h.Root, outputDir) }

// Rel returns path relative to the workspace root, or path unchanged if it lies outside.
func (h Handle) Rel(path string) string {
	rel, err := filepath.Rel(h.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// Abs resolves a workspace-relative path produced by Rel.
func (h Handle) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(h.Root, filepath.FromSlash(rel))
}

// Manager creates and destroys job workspaces under a single root.
type Manager struct {
	root        string
	maxFileSize int64
	logger      *slog.Logger
}

// NewManager creates the root directory if needed. maxFileSize <= 0 disables the size check.
func NewManager(root string, maxFileSize int64, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root %q: %v", ErrWorkspace, root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrWorkspace, err)
	}
	return &Manager{root: abs, maxFileSize: maxFileSize, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// MaxFileSize returns the per-file staging limit.
func (m *Manager) MaxFileSize() int64 { return m.maxFileSize }

// Open returns the handle for jobID without touching the filesystem.
func (m *Manager) Open(jobID types.JobID) Handle {
	return Handle{JobID: jobID, Root: filepath.Join(m.root, string(jobID))}
}

// Create builds the workspace tree for jobID.
func (m *Manager) Create(jobID types.JobID) (Handle, error) {
	if err := CheckName(string(jobID)); err != nil {
		return Handle{}, fmt.Errorf("job id %q: %w", jobID, err)
	}
	h := m.Open(jobID)
	for _, dir := range []string{h.UploadDir(), h.PreparedDir(), h.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Handle{}, fmt.Errorf("%w: create %s: %v", ErrWorkspace, dir, err)
		}
	}
	return h, nil
}

// Exists reports whether the workspace directory is present.
func (m *Manager) Exists(h Handle) bool {
	info, err := os.Stat(h.Root)
	return err == nil && info.IsDir()
}

// Stage writes data into the upload directory under logicalName and returns the file path.
// The write goes through os.Root so it cannot land outside the upload directory.
func (m *Manager) Stage(h Handle, data []byte, logicalName string) (string, error) {
	if err := CheckName(logicalName); err != nil {
		return "", err
	}
	if m.maxFileSize > 0 && int64(len(data)) > m.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPayloadTooLarge, logicalName, len(data), m.maxFileSize)
	}

	root, err := os.OpenRoot(h.UploadDir())
	if err != nil {
		return "", fmt.Errorf("%w: open upload dir: %v", ErrWorkspace, err)
	}
	defer root.Close()

	f, err := root.OpenFile(logicalName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrWorkspace, logicalName, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %v", ErrWorkspace, logicalName, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", ErrWorkspace, logicalName, err)
	}
	return filepath.Join(h.UploadDir(), logicalName), nil
}

// Destroy removes the workspace tree. Missing files are fine; failures are only logged.
func (m *Manager) Destroy(h Handle) {
	if h.Root == "" || filepath.Dir(h.Root) != m.root {
		m.logger.Warn("refusing to remove path outside workspace root", "path", h.Root)
		return
	}
	if err := os.RemoveAll(h.Root); err != nil {
		m.logger.Error("workspace cleanup failed", "job_id", h.JobID, "path", h.Root, "error", err)
		return
	}
	m.logger.Debug("workspace removed", "job_id", h.JobID)
}

// CheckName rejects names that are not a single, plain path element.
func CheckName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case filepath.Base(name) != name || filepath.IsAbs(name):
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}
