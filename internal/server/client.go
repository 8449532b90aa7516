package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// Client calls eegflow.v1.JobService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// BatchStatus fetches a batch job status.
func (c *Client) BatchStatus(ctx context.Context, id types.JobID) (types.BatchJobStatus, error) {
	var st types.BatchJobStatus
	err := c.unary(ctx, methodGetBatchJob, id, &st)
	return st, err
}

// CancelBatch cancels a batch job and reports whether it was cancellable.
func (c *Client) CancelBatch(ctx context.Context, id types.JobID) (bool, error) {
	return c.cancel(ctx, methodCancelBatchJob, id)
}

// AnalysisStatus fetches an analysis job status.
func (c *Client) AnalysisStatus(ctx context.Context, id types.JobID) (types.AnalysisJobStatus, error) {
	var st types.AnalysisJobStatus
	err := c.unary(ctx, methodGetAnalysisJob, id, &st)
	return st, err
}

// CancelAnalysis cancels an analysis job.
func (c *Client) CancelAnalysis(ctx context.Context, id types.JobID) (bool, error) {
	return c.cancel(ctx, methodCancelAnalysisJob, id)
}

// WatchBatch calls fn with every status of a batch job until the terminal
// one. An error from fn stops the watch and is returned.
func (c *Client) WatchBatch(ctx context.Context, id types.JobID, fn func(types.BatchJobStatus) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &JobServiceDesc.Streams[0], methodWatchBatchJob)
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(jobRequest(string(id))); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
		var st types.BatchJobStatus
		if err := fromStruct(msg, &st); err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
	}
}

func (c *Client) unary(ctx context.Context, method string, id types.JobID, dst interface{}) error {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, jobRequest(string(id)), out); err != nil {
		return fromStatus(err)
	}
	return fromStruct(out, dst)
}

func (c *Client) cancel(ctx context.Context, method string, id types.JobID) (bool, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, jobRequest(string(id)), out); err != nil {
		return false, fromStatus(err)
	}
	return out.GetFields()["cancelled"].GetBoolValue(), nil
}

// fromStatus maps NotFound back onto jobmanager.ErrJobNotFound.
func fromStatus(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, status.Convert(err).Message())
	}
	return err
}
