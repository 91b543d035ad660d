// ============================================================================
// dockq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the docking service
//
// Command Structure:
//   dockq                          # Root command
//   ├── run                        # Start the docking service (gRPC + metrics)
//   ├── submit                     # Upload a receptor and ligands as a new job
//   │   ├── --receptor, -r        # Receptor file (.pdb / .pdbqt)
//   │   ├── --ligand, -l          # Ligand file, repeatable
//   │   └── --wait                # Poll until the job finishes
//   ├── status <job-id>            # Show one job with ranked results
//   ├── list                       # List all jobs
//   ├── delete <job-id>            # Delete a job and its workspace
//   ├── download <job-id>          # Save the result archive (zip)
//   ├── stats                      # Job counts per status
//   ├── journal                    # Inspect the local WAL file
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --server, -s               # Service address for client commands
//
// Configuration:
//   YAML file → .env → DOCKQ_* environment variables → defaults
//   A missing default config file is not an error; an explicitly given
//   --config that cannot be read is.
//
// run Command:
//   1. Load config and set up logging
//   2. Create and start the Controller (recovers WAL + snapshot if enabled)
//   3. Serve gRPC and, when enabled, Prometheus /metrics
//   4. On SIGINT / SIGTERM: stop both servers, then stop the Controller
//
//   Examples:
//     ./dockq run
//     ./dockq run -c custom-config.yaml
//
// submit Command:
//   Examples:
//     ./dockq submit -r 1abc.pdbqt -l lig1.sdf -l lig2.mol2 \
//         --center-x 10 --center-y 12.5 --center-z -3 --wait
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/dockq/internal/config"
	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/internal/metrics"
	"github.com/ChuLiYu/dockq/internal/server"
	"github.com/ChuLiYu/dockq/internal/storage/wal"
	"github.com/ChuLiYu/dockq/internal/toolchain"
	"github.com/ChuLiYu/dockq/pkg/types"
)

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dockq",
		Short: "dockq: a molecular docking job service",
		Long: `dockq runs batches of ligands against a receptor with an external
docking engine:
- Per-ligand failure isolation
- Bounded concurrency per job and across jobs
- WAL + snapshot recovery
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "dockq service address for client commands (default: server.listen from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildDownloadCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dockq service",
		Long:  "Start the gRPC docking service and, when enabled, the Prometheus metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runService(cmd.Context(), cfg)
		},
	}
}

func runService(parent context.Context, cfg *config.Config) error {
	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	ctrl, err := controller.NewController(
		controllerConfig(cfg),
		toolchain.NewExecRunner(logger),
		controller.WithMetrics(m),
		controller.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	// 先關閉 gRPC（不再受理），最後才停止 controller
	defer ctrl.Stop()

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		gs, hs := server.NewGRPCServer(ctrl, logger)
		return server.Serve(gctx, gs, hs, lis)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Metrics server listening", "addr", cfg.Metrics.Addr)
			return m.Serve(gctx, cfg.Metrics.Addr)
		})
	}

	logger.Info("dockq started",
		"workers_per_job", cfg.Worker.WorkersPerJob,
		"max_active_jobs", cfg.Worker.MaxActiveJobs,
		"durable", cfg.Durable())

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// controllerConfig 把檔案配置轉換成 Controller 配置
func controllerConfig(cfg *config.Config) controller.Config {
	return controller.Config{
		WorkspaceRoot:    cfg.Storage.WorkspaceRoot,
		MaxFileSize:      cfg.Limits.MaxFileSize,
		MaxLigands:       cfg.Limits.MaxLigands,
		WorkersPerJob:    cfg.Worker.WorkersPerJob,
		MaxActiveJobs:    cfg.Worker.MaxActiveJobs,
		EngineSlots:      cfg.Worker.EngineSlots,
		Pipeline:         cfg.PipelineConfig(),
		WALPath:          cfg.Storage.WALPath,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		SnapshotInterval: cfg.Storage.SnapshotInterval,
		SyncOnAppend:     cfg.Storage.SyncOnAppend,
		RetentionPeriod:  cfg.Retention.Period,
		ReapInterval:     cfg.Retention.ReapInterval,
	}
}

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	receptor     string
	ligands      []string
	params       types.DockingParams
	wait         bool
	pollInterval time.Duration
}

func buildSubmitCommand() *cobra.Command {
	opts := submitOptions{params: types.DefaultParams()}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a docking job",
		Long:  "Upload a receptor and one or more ligands to the dockq service and print the job ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.receptor, "receptor", "r", "", "receptor structure (.pdb or .pdbqt)")
	f.StringArrayVarP(&opts.ligands, "ligand", "l", nil, "ligand structure (.pdb, .pdbqt, .sdf, .mol2); repeatable")
	f.Float64Var(&opts.params.CenterX, "center-x", opts.params.CenterX, "search box center x (Å)")
	f.Float64Var(&opts.params.CenterY, "center-y", opts.params.CenterY, "search box center y (Å)")
	f.Float64Var(&opts.params.CenterZ, "center-z", opts.params.CenterZ, "search box center z (Å)")
	f.Float64Var(&opts.params.SizeX, "size-x", opts.params.SizeX, "search box size x (Å)")
	f.Float64Var(&opts.params.SizeY, "size-y", opts.params.SizeY, "search box size y (Å)")
	f.Float64Var(&opts.params.SizeZ, "size-z", opts.params.SizeZ, "search box size z (Å)")
	f.IntVar(&opts.params.Exhaustiveness, "exhaustiveness", opts.params.Exhaustiveness, "search exhaustiveness (1-32)")
	f.IntVar(&opts.params.NumModes, "num-modes", opts.params.NumModes, "number of binding modes (1-20)")
	f.BoolVar(&opts.wait, "wait", false, "wait for the job to finish and print its results")
	f.DurationVar(&opts.pollInterval, "poll-interval", 2*time.Second, "status polling interval with --wait")
	_ = cmd.MarkFlagRequired("receptor")
	_ = cmd.MarkFlagRequired("ligand")

	return cmd
}

func submitJob(cmd *cobra.Command, opts submitOptions) error {
	ctx, out := cmd.Context(), cmd.OutOrStdout()

	receptor, err := readUpload(opts.receptor)
	if err != nil {
		return err
	}
	req := controller.SubmitRequest{Receptor: receptor, Params: opts.params}
	for _, path := range opts.ligands {
		lig, err := readUpload(path)
		if err != nil {
			return err
		}
		req.Ligands = append(req.Ligands, lig)
	}

	return withClient(cmd, func(client *server.Client) error {
		id, err := client.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}
		fmt.Fprintf(out, "✓ Job submitted: %s (%d ligands)\n", id, len(req.Ligands))

		if !opts.wait {
			return nil
		}
		job, err := waitForJob(ctx, client, id, opts.pollInterval)
		if err != nil {
			return err
		}
		printJob(out, job)
		return nil
	})
}

func readUpload(path string) (controller.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return controller.Upload{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return controller.Upload{Name: filepath.Base(path), Data: data}, nil
}

func waitForJob(ctx context.Context, client *server.Client, id types.JobID, interval time.Duration) (*types.DockingJob, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := client.Status(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get job status: %w", err)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// status / list / delete / download / stats
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status and ranked results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(client *server.Client) error {
				job, err := client.Status(cmd.Context(), types.JobID(args[0]))
				if err != nil {
					return fmt.Errorf("failed to get job status: %w", err)
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(client *server.Client) error {
				jobs, err := client.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				printJobList(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
}

func buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(client *server.Client) error {
				if err := client.Delete(cmd.Context(), types.JobID(args[0])); err != nil {
					return fmt.Errorf("failed to delete job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func buildDownloadCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download the result archive of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.JobID(args[0])
			if output == "" {
				output = fmt.Sprintf("%s_results.zip", id)
			}
			return withClient(cmd, func(client *server.Client) error {
				data, ready, err := client.Download(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to download results: %w", err)
				}
				if !ready {
					fmt.Fprintf(cmd.OutOrStdout(), "⏳ Job %s has not finished, nothing downloaded\n", id)
					return nil
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %s (%d bytes)\n", output, len(data))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <job-id>_results.zip)")
	return cmd
}

func buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(client *server.Client) error {
				stats, err := client.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "📊 Jobs: %d\n", stats.Total)
				fmt.Fprintf(out, "  Pending:    %d\n", stats.Pending)
				fmt.Fprintf(out, "  Processing: %d\n", stats.Processing)
				fmt.Fprintf(out, "  Completed:  %d\n", stats.Completed)
				fmt.Fprintf(out, "  Failed:     %d\n", stats.Failed)
				return nil
			})
		},
	}
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the write-ahead log",
		Long:  "Print every WAL event, or only check its checksums with --validate. Reads the file directly; the service does not need to be running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return inspectJournal(cmd.OutOrStdout(), cfg.Storage.WALPath, validate)
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "only verify checksums")
	return cmd
}

func inspectJournal(out io.Writer, path string, validate bool) error {
	if path == "" {
		return errors.New("storage.wal_path is not configured")
	}
	if !validate {
		return wal.DumpWAL(path, out)
	}

	if err := wal.ValidateWAL(path); err != nil {
		return err
	}
	count, err := wal.CountEvents(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s: %d events, checksums OK\n", path, count)
	return nil
}

// ============================================================================
// 輔助函式
// ============================================================================

func withClient(cmd *cobra.Command, fn func(client *server.Client) error) error {
	addr, err := resolveServerAddr(cmd)
	if err != nil {
		return err
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

// resolveServerAddr --server 未指定時使用配置中的 server.listen
func resolveServerAddr(cmd *cobra.Command) (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return dialAddr(cfg.Server.Listen), nil
}

// dialAddr 把監聽位址轉成可連線的位址（":50051" → "localhost:50051"）
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// loadConfig 預設路徑不存在時只使用環境變數與預設值
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}
