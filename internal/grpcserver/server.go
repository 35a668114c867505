package grpcserver

import (
	"log/slog"
	"time"

	v1 "github.com/inovacc/tillsync/pkg/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServerWithHealth wraps gRPC server and health service for lifecycle management
type ServerWithHealth struct {
	GRPCServer   *grpc.Server
	HealthServer *health.Server
}

// NewServer creates a gRPC server with interceptors, the health service and the sync service.
// A nil tracker disables activity tracking.
func NewServer(eng Engine, tracker *IdleTracker, logger *slog.Logger) *ServerWithHealth {
	if logger == nil {
		logger = slog.Default()
	}

	unary := []grpc.UnaryServerInterceptor{
		recoveryInterceptor(logger),
		loggingInterceptor(logger),
		timeoutInterceptor(30 * time.Second),
	}

	stream := []grpc.StreamServerInterceptor{
		streamRecoveryInterceptor(logger),
		streamLoggingInterceptor(logger),
	}

	if tracker != nil {
		unary = append(unary, activityInterceptor(tracker))
		stream = append(stream, streamActivityInterceptor(tracker))
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
		grpc.ConnectionTimeout(10 * time.Second),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              5 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		// Message size limits (4MB)
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
	}

	srv := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(v1.ServiceName, healthpb.HealthCheckResponse_SERVING)

	v1.RegisterSyncServer(srv, NewService(eng))

	return &ServerWithHealth{
		GRPCServer:   srv,
		HealthServer: healthServer,
	}
}
