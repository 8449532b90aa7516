package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/internal/progress"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// BatchJobs is the part of the batch orchestrator the service exposes.
type BatchJobs interface {
	Status(types.JobID) (types.BatchJobStatus, error)
	Cancel(types.JobID) bool
	Subscribe(types.JobID) (*progress.Subscription[types.BatchJobStatus], error)
}

// AnalysisJobs is the part of the analysis engine the service exposes.
type AnalysisJobs interface {
	Status(types.JobID) (types.AnalysisJobStatus, error)
	Cancel(types.JobID) bool
}

// Server implements JobServiceServer.
type Server struct {
	batch    BatchJobs
	analysis AnalysisJobs
	log      *slog.Logger
}

var _ JobServiceServer = (*Server)(nil)

// NewServer creates the job service.
func NewServer(b BatchJobs, a AnalysisJobs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{batch: b, analysis: a, log: logger.With("component", "grpc")}
}

// NewGRPCServer returns a grpc.Server carrying the job service, the standard
// health service and a logging interceptor.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(srv.logUnary),
		grpc.ChainStreamInterceptor(srv.logStream),
	)
	g := grpc.NewServer(opts...)
	RegisterJobServiceServer(g, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
	return g
}

// GetBatchJob returns the status of a batch job.
func (s *Server) GetBatchJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	st, err := s.batch.Status(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// CancelBatchJob cancels a batch job. An unknown or finished job reports
// cancelled=false.
func (s *Server) CancelBatchJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	return cancelReply(id, s.batch.Cancel(id)), nil
}

// WatchBatchJob streams every status of a batch job until the terminal one.
func (s *Server) WatchBatchJob(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := jobID(req)
	if err != nil {
		return err
	}
	sub, err := s.batch.Subscribe(id)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case st, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := toStruct(st)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// GetAnalysisJob returns the status of an analysis job, result included.
func (s *Server) GetAnalysisJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	st, err := s.analysis.Status(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// CancelAnalysisJob cancels a pending or running analysis job.
func (s *Server) CancelAnalysisJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	return cancelReply(id, s.analysis.Cancel(id)), nil
}

// ============================================================================
// Helpers
// ============================================================================

func jobID(req *structpb.Struct) (types.JobID, error) {
	v, ok := req.GetFields()["job_id"]
	if !ok || v.GetStringValue() == "" {
		return "", status.Error(codes.InvalidArgument, "job_id is required")
	}
	return types.JobID(v.GetStringValue()), nil
}

func cancelReply(id types.JobID, cancelled bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id":    structpb.NewStringValue(string(id)),
		"cancelled": structpb.NewBoolValue(cancelled),
	}}
}

func toStatus(err error) error {
	if errors.Is(err, jobmanager.ErrJobNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

func (s *Server) logStream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.log.Debug("rpc stream", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return err
}
