package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/dockq/internal/controller"
	"github.com/ChuLiYu/dockq/internal/jobstore"
	"github.com/ChuLiYu/dockq/pkg/types"
)

// Client 是 DockingService 的 gRPC 客戶端，回傳值解碼成領域型別
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn // 由 Dial 建立時才有值
}

// Dial 以明文連線到 addr
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize),
			grpc.MaxCallSendMsgSize(DefaultMaxMessageSize),
		),
	}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: cc, cc: cc}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection created by Dial.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Submit streams the receptor and ligands and returns the new job ID.
// File contents travel as raw bytes, one frame per file.
func (c *Client) Submit(ctx context.Context, req controller.SubmitRequest) (types.JobID, error) {
	h := submitHeader{Receptor: req.Receptor.Name, Params: req.Params}
	for _, lig := range req.Ligands {
		h.Ligands = append(h.Ligands, lig.Name)
	}
	header, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Submit"))
	if err != nil {
		return "", err
	}
	stream := &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.StringValue]{ClientStream: cs}

	frames := make([][]byte, 0, len(req.Ligands)+2)
	frames = append(frames, header, req.Receptor.Data)
	for _, lig := range req.Ligands {
		frames = append(frames, lig.Data)
	}
	for _, frame := range frames {
		if err := stream.Send(wrapperspb.Bytes(frame)); err != nil {
			if errors.Is(err, io.EOF) {
				// 伺服器已結束串流，真正的狀態由 CloseAndRecv 取得
				break
			}
			return "", err
		}
	}

	out, err := stream.CloseAndRecv()
	if err != nil {
		return "", err
	}
	return types.JobID(out.GetValue()), nil
}

// Status fetches a single job record.
func (c *Client) Status(ctx context.Context, id types.JobID) (*types.DockingJob, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Status", wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	job := &types.DockingJob{}
	if err := decode(out, job); err != nil {
		return nil, err
	}
	return job, nil
}

// List fetches every job.
func (c *Client) List(ctx context.Context) ([]*types.DockingJob, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "List", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var jobs []*types.DockingJob
	if err := decode(out, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Delete removes a job on the server.
func (c *Client) Delete(ctx context.Context, id types.JobID) error {
	return c.invoke(ctx, "Delete", wrapperspb.String(string(id)), &emptypb.Empty{})
}

// Download returns the zip archive of a finished job. ready is false, with
// no data, while the job is still pending or processing.
func (c *Client) Download(ctx context.Context, id types.JobID) (data []byte, ready bool, err error) {
	out := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, "Download", wrapperspb.String(string(id)), out); err != nil {
		return nil, false, err
	}
	if len(out.GetValue()) == 0 {
		return nil, false, nil
	}
	return out.GetValue(), true, nil
}

// Stats fetches job counts per status.
func (c *Client) Stats(ctx context.Context) (jobstore.Stats, error) {
	var stats jobstore.Stats
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Stats", &emptypb.Empty{}, out); err != nil {
		return stats, err
	}
	err := decode(out, &stats)
	return stats, err
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

type jsonMessage interface {
	MarshalJSON() ([]byte, error)
}

func decode(in jsonMessage, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a NotFound status from the server.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
