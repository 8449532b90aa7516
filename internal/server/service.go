// ============================================================================
// eegflow gRPC Job Service - descriptor and message conversion
// ============================================================================
//
// Package: internal/server
// File: service.go
// Function: Declares eegflow.v1.JobService by hand on top of
//           google.protobuf.Struct messages
//
// Methods:
//   GetBatchJob        {job_id} → BatchJobStatus
//   CancelBatchJob     {job_id} → {job_id, cancelled}
//   WatchBatchJob      {job_id} → stream BatchJobStatus (closes after terminal)
//   GetAnalysisJob     {job_id} → AnalysisJobStatus
//   CancelAnalysisJob  {job_id} → {job_id, cancelled}
//
// Statuses travel as their JSON form inside a Struct, so the wire shape is
// the same as the HTTP read model.
//
// ============================================================================

package server

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eegflow.v1.JobService"

const (
	methodGetBatchJob       = "/" + ServiceName + "/GetBatchJob"
	methodCancelBatchJob    = "/" + ServiceName + "/CancelBatchJob"
	methodWatchBatchJob     = "/" + ServiceName + "/WatchBatchJob"
	methodGetAnalysisJob    = "/" + ServiceName + "/GetAnalysisJob"
	methodCancelAnalysisJob = "/" + ServiceName + "/CancelAnalysisJob"
)

// JobServiceServer is the server side of eegflow.v1.JobService.
type JobServiceServer interface {
	GetBatchJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelBatchJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchBatchJob(*structpb.Struct, grpc.ServerStream) error
	GetAnalysisJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelAnalysisJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterJobServiceServer attaches srv to s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

type unaryMethod func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchBatchJobHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobServiceServer).WatchBatchJob(in, stream)
}

// JobServiceDesc describes eegflow.v1.JobService.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBatchJob", Handler: unaryHandler(methodGetBatchJob, JobServiceServer.GetBatchJob)},
		{MethodName: "CancelBatchJob", Handler: unaryHandler(methodCancelBatchJob, JobServiceServer.CancelBatchJob)},
		{MethodName: "GetAnalysisJob", Handler: unaryHandler(methodGetAnalysisJob, JobServiceServer.GetAnalysisJob)},
		{MethodName: "CancelAnalysisJob", Handler: unaryHandler(methodCancelAnalysisJob, JobServiceServer.CancelAnalysisJob)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchBatchJob", Handler: watchBatchJobHandler, ServerStreams: true},
	},
	Metadata: "eegflow/v1/jobs",
}

// ============================================================================
// Struct conversion
// ============================================================================

// toStruct converts v to a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into dst through its JSON form.
func fromStruct(s *structpb.Struct, dst interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func jobRequest(id string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(id),
	}}
}
