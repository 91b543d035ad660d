package server

// ============================================================================
// dockq.v1.DockingService 服務描述
//
// 訊息一律使用 protobuf well-known types，不需要產生程式碼：
//   Submit   stream BytesValue → StringValue  任務 ID（client streaming）
//   Status   StringValue  → Struct       任務紀錄（JSON 形狀同 results.json）
//   List     Empty        → ListValue    所有任務
//   Delete   StringValue  → Empty
//   Download StringValue  → BytesValue   zip 內容
//   Stats    Empty        → Struct       各狀態任務數
//
// Submit 串流格式：
//   第 1 個 frame 是 JSON 標頭（檔名與參數）
//   之後每個 frame 是一個檔案的原始位元組：受體，接著依序每個配體
//
// Download 對未結束的任務回傳空的 BytesValue（結果壓縮檔永遠非空）
// ============================================================================

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "dockq.v1.DockingService"

// DefaultMaxMessageSize 單一結構檔或結果壓縮檔需要比 gRPC 預設 4MB 更大的訊息
const DefaultMaxMessageSize = 512 << 20

// SubmitStream 是 Submit 的伺服器端串流
type SubmitStream = grpc.ClientStreamingServer[wrapperspb.BytesValue, wrapperspb.StringValue]

// DockingServiceServer is the server API for dockq.v1.DockingService.
type DockingServiceServer interface {
	Submit(SubmitStream) error
	Status(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Delete(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Download(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc is the grpc.ServiceDesc for dockq.v1.DockingService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DockingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Status", DockingServiceServer.Status),
		unaryMethod("List", DockingServiceServer.List),
		unaryMethod("Delete", DockingServiceServer.Delete),
		unaryMethod("Download", DockingServiceServer.Download),
		unaryMethod("Stats", DockingServiceServer.Stats),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Submit",
			Handler:       submitHandler,
			ClientStreams: true,
		},
	},
	Metadata: "dockq/v1/docking_service",
}

// RegisterDockingServiceServer registers srv on s.
func RegisterDockingServiceServer(s grpc.ServiceRegistrar, srv DockingServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func submitHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DockingServiceServer).Submit(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.StringValue]{ServerStream: stream})
}

func unaryMethod[Req, Resp any](method string, call func(DockingServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DockingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DockingServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// ============================================================================
// Submit 標頭的 JSON 形狀
// ============================================================================

// submitHeader 檔案內容不放在標頭裡，跟在後面的 frame 以原始位元組傳送
type submitHeader struct {
	Receptor string              `json:"receptor"`
	Ligands  []string            `json:"ligands"`
	Params   types.DockingParams `json:"params"`
}
