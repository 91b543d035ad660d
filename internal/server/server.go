package server

// ============================================================================
// gRPC 傳輸層
// 職責：把 DockingService 的呼叫轉給 JobService，並把錯誤對應到 gRPC code
//
// 錯誤對應：
//   controller.ErrValidation     → InvalidArgument
//   jobstore.ErrJobNotFound      → NotFound
//   Submit 串流格式錯誤           → InvalidArgument
//   controller 未啟動 / 已停止   → Unavailable
//   其他                          → Internal
//
// 下載未結束的任務不是錯誤：回傳空內容
//
// 同一個 grpc.Server 也提供 grpc.health.v1.Health，
// Serve 開始時標記為 SERVING，關閉前改為 NOT_SERVING。
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/internal/jobstore"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// JobService 是傳輸層需要的核心操作（*controller.Controller 實作此介面）
type JobService interface {
	Submit(ctx context.Context, req controller.SubmitRequest) (types.JobID, error)
	Status(id types.JobID) (*types.DockingJob, error)
	List() []*types.DockingJob
	Delete(id types.JobID) error
	Download(id types.JobID, w io.Writer) (bool, error)
	GetStats() jobstore.Stats
}

// Server implements DockingServiceServer on top of a JobService.
type Server struct {
	svc    JobService
	logger *slog.Logger
}

// NewServer creates a new gRPC service implementation.
func NewServer(svc JobService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// NewGRPCServer 建立已註冊 DockingService 與 health 服務的 grpc.Server
// health 狀態初始為 NOT_SERVING，由 Serve 切換
func NewGRPCServer(svc JobService, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := NewServer(svc, logger)
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(DefaultMaxMessageSize),
		grpc.MaxSendMsgSize(DefaultMaxMessageSize),
		grpc.ChainUnaryInterceptor(srv.logInterceptor),
		grpc.ChainStreamInterceptor(srv.logStreamInterceptor),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterDockingServiceServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// Serve 在 lis 上提供服務，ctx 結束時 GracefulStop
//
// 呼叫前 JobService 必須已經啟動；hs 可為 nil
func Serve(ctx context.Context, gs *grpc.Server, hs *health.Server, lis net.Listener) error {
	if hs != nil {
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		if hs != nil {
			// 全部標記為 NOT_SERVING，之後的狀態變更都會被忽略
			hs.Shutdown()
		}
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if hs != nil {
			hs.Shutdown()
		}
		return err
	}
}

// ============================================================================
// DockingServiceServer 實作
// ============================================================================

// Submit receives the header frame and one frame per file, then creates the job.
func (s *Server) Submit(stream SubmitStream) error {
	first, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return status.Error(codes.InvalidArgument, "missing request header")
	}
	if err != nil {
		return err
	}
	h := submitHeader{Params: types.DefaultParams()}
	if err := json.Unmarshal(first.GetValue(), &h); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request header: %v", err)
	}

	names := append([]string{h.Receptor}, h.Ligands...)
	files := make([][]byte, 0, min(len(names), 64))
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if len(files) == len(names) {
			return status.Errorf(codes.InvalidArgument, "unexpected file frame: header lists %d files", len(names))
		}
		files = append(files, msg.GetValue())
	}
	if len(files) != len(names) {
		return status.Errorf(codes.InvalidArgument, "header lists %d files, received %d", len(names), len(files))
	}

	req := controller.SubmitRequest{
		Receptor: controller.Upload{Name: h.Receptor, Data: files[0]},
		Params:   h.Params,
	}
	for i, name := range h.Ligands {
		req.Ligands = append(req.Ligands, controller.Upload{Name: name, Data: files[i+1]})
	}

	id, err := s.svc.Submit(stream.Context(), req)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendAndClose(wrapperspb.String(string(id)))
}

// Status returns the job record.
func (s *Server) Status(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.svc.Status(types.JobID(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// List returns every job ordered by creation time.
func (s *Server) List(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	raw, err := json.Marshal(s.svc.List())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode jobs: %v", err)
	}
	out := &structpb.ListValue{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode jobs: %v", err)
	}
	return out, nil
}

// Delete removes a job and its workspace.
func (s *Server) Delete(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.svc.Delete(types.JobID(in.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Download returns the result archive of a finished job, or an empty value
// while the job is still pending or processing.
func (s *Server) Download(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	var buf bytes.Buffer
	ready, err := s.svc.Download(types.JobID(in.GetValue()), &buf)
	if err != nil {
		return nil, toStatus(err)
	}
	if !ready {
		return &wrapperspb.BytesValue{}, nil
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

// Stats returns job counts per status.
func (s *Server) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.svc.GetStats())
}

// ============================================================================
// 輔助函式
// ============================================================================

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	level := slog.LevelDebug
	if code == codes.Internal || code == codes.Unknown {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "rpc finished",
		"method", info.FullMethod,
		"code", code.String(),
		"duration", time.Since(start))
	return resp, err
}

func (s *Server) logStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	code := status.Code(err)

	level := slog.LevelDebug
	if code == codes.Internal || code == codes.Unknown {
		level = slog.LevelError
	}
	s.logger.Log(ss.Context(), level, "rpc finished",
		"method", info.FullMethod,
		"code", code.String(),
		"duration", time.Since(start))
	return err
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, controller.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, jobstore.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

var _ DockingServiceServer = (*Server)(nil)
