// ============================================================================
// dockq 整合測試輔助工具
// ============================================================================
//
// Package: test/integration
// 文件: helpers_test.go
// 功能: 以 shell 腳本模擬外部工具，透過真正的 ExecRunner + gRPC 執行完整流程
//
// 模擬工具行為:
//   prep_receptor / prep_ligand:
//     - 檔名含 "fail" → exit 3
//     - 其他 → 把輸入複製到 -o 指定的路徑
//   vina:
//     - 配體名含 "slow"   → sleep 30（用來模擬中斷）
//     - 配體名含 "nopose" → 不輸出任何結果表
//     - 配體名含 "strong" → 最佳親和力 -9.4
//     - 其他               → 最佳親和力 -7.1
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/internal/pipeline"
	"github.com/ChuLiYu/dockq/internal/server"
	"github.com/ChuLiYu/dockq/internal/toolchain"
	"github.com/ChuLiYu/dockq/pkg/types"
)

const (
	receptorPDB = "ATOM      1  N   ALA A   1      11.104   6.134  -6.504  1.00  0.00           N\nEND\n"
	ligandSDF   = "lig\n  dockq\n\n  1  0  0  0  0  0            999 V2000\nM  END\n$$$$\n"
	ligandMOL2  = "@<TRIPOS>MOLECULE\nlig\n 1 0 0 0 0\nSMALL\n"
)

const prepScript = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -r|-l) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
case "$(basename "$in")" in
  *fail*) echo "cannot parse $in" >&2; exit 3 ;;
esac
cp "$in" "$out"
`

const engineScript = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --ligand) lig="$2"; shift 2 ;;
    --out) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
name="$(basename "$lig")"
case "$name" in
  *slow*) exec sleep 30 ;;
  *nopose*) echo "Computing..."; exit 0 ;;
  *strong*) best="-9.4" ;;
  *) best="-7.1" ;;
esac
printf 'MODEL 1\nREMARK VINA RESULT: %s 0.000 0.000\nENDMDL\n' "$best" > "$out"
echo "mode |   affinity | dist from best mode"
echo "     | (kcal/mol) | rmsd l.b.| rmsd u.b."
echo "-----+------------+----------+----------"
echo "   1       $best          0          0"
echo "   2       -6.0      1.893      2.441"
`

// installTools 把模擬工具寫到 dir，回傳 pipeline 配置
func installTools(t testing.TB, dir string) pipeline.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tool stand-ins need a POSIX shell")
	}

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
		return path
	}
	return pipeline.Config{
		ReceptorPrep: write("prep_receptor", prepScript),
		LigandPrep:   write("prep_ligand", prepScript),
		Engine:       write("vina", engineScript),
		PrepTimeout:  10 * time.Second,
		DockTimeout:  60 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig 建立使用 root 底下目錄的 Controller 配置
func testConfig(t testing.TB, root string, durable bool) controller.Config {
	cfg := controller.Config{
		WorkspaceRoot:    filepath.Join(root, "jobs"),
		MaxFileSize:      1 << 20,
		MaxLigands:       50,
		WorkersPerJob:    4,
		MaxActiveJobs:    4,
		Pipeline:         installTools(t, t.TempDir()),
		SnapshotInterval: time.Hour,
	}
	if durable {
		cfg.WALPath = filepath.Join(root, "wal.log")
		cfg.SnapshotPath = filepath.Join(root, "snapshot.json")
	}
	return cfg
}

// node 一個正在運行的 dockq 服務（controller + gRPC）
type node struct {
	ctrl   *controller.Controller
	client *server.Client
	stop   func()
}

// startNode 啟動 controller 與 gRPC 服務；stop 可重複呼叫
func startNode(t testing.TB, cfg controller.Config) *node {
	t.Helper()
	logger := discardLogger()

	ctrl, err := controller.NewController(cfg, toolchain.NewExecRunner(logger), controller.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	gs, hs := server.NewGRPCServer(ctrl, logger)
	go func() { done <- server.Serve(ctx, gs, hs, lis) }()

	client, err := server.Dial(lis.Addr().String())
	require.NoError(t, err)

	stopped := false
	n := &node{ctrl: ctrl, client: client}
	n.stop = func() {
		if stopped {
			return
		}
		stopped = true
		client.Close()
		cancel()
		<-done
		ctrl.Stop()
	}
	t.Cleanup(n.stop)
	return n
}

// dockingRequest 依檔名產生輸入：.sdf / .mol2 / .pdb 使用對應的範例內容
func dockingRequest(receptor string, ligands ...string) controller.SubmitRequest {
	req := controller.SubmitRequest{
		Receptor: controller.Upload{Name: receptor, Data: []byte(receptorPDB)},
		Params:   types.DefaultParams(),
	}
	for _, name := range ligands {
		data := ligandSDF
		switch filepath.Ext(name) {
		case ".mol2":
			data = ligandMOL2
		case ".pdb", ".pdbqt":
			data = receptorPDB
		}
		req.Ligands = append(req.Ligands, controller.Upload{Name: name, Data: []byte(data)})
	}
	return req
}

func ligandNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%03d.sdf", prefix, i)
	}
	return names
}

// waitForTerminal 輪詢直到任務結束
func waitForTerminal(t testing.TB, client *server.Client, id types.JobID, timeout time.Duration) *types.DockingJob {
	t.Helper()
	var job *types.DockingJob
	require.Eventually(t, func() bool {
		got, err := client.Status(context.Background(), id)
		if err != nil {
			return false
		}
		job = got
		return got.Status.IsTerminal()
	}, timeout, 50*time.Millisecond, "job %s did not finish", id)
	return job
}

func resultFor(job *types.DockingJob, ligand string) (types.LigandResult, bool) {
	for _, r := range job.LigandResults {
		if r.LigandName == ligand {
			return r, true
		}
	}
	return types.LigandResult{}, false
}
