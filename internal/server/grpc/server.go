// Package grpcserver exposes the daemon's health endpoint over gRPC.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/service"
)

// ServiceName is the health service name of the sync engine.
const ServiceName = "chatsync.Engine"

// StatusFor maps a connection state onto a health status; only a live
// connection is SERVING.
func StatusFor(state model.ConnectionState) healthpb.HealthCheckResponse_ServingStatus {
	if state == model.Connected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Health tracks the engine's connection state in a grpc health server.
type Health struct {
	hs     *health.Server
	logger *zap.Logger
}

// NewHealth starts NOT_SERVING for both the overall and the engine service.
func NewHealth(logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{hs: health.NewServer(), logger: logger.Named("health")}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
}

// Observe is a service.Observer updating status on state changes.
func (h *Health) Observe(ev service.Event) {
	if ev.Type != service.EventState {
		return
	}
	st := StatusFor(ev.State)
	h.logger.Debug("health status", zap.Stringer("state", ev.State), zap.Stringer("status", st))
	h.set(st)
}

// Shutdown sets NOT_SERVING permanently; later updates are ignored.
func (h *Health) Shutdown() { h.hs.Shutdown() }

// NewServer builds a grpc server with the recover and logging interceptors and
// registers h. Reflection is for local debugging.
func NewServer(logger *zap.Logger, h *Health, withReflection bool) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(logger),
			LoggingUnary(logger),
		),
	)
	healthpb.RegisterHealthServer(s, h.hs)
	if withReflection {
		reflection.Register(s)
	}
	return s
}
