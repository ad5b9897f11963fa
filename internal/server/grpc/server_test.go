package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/service"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()
	for _, st := range []model.ConnectionState{model.Disconnected, model.Connecting, model.Reconnecting} {
		if StatusFor(st) != healthpb.HealthCheckResponse_NOT_SERVING {
			t.Fatalf("%s must not be serving", st)
		}
	}
	if StatusFor(model.Connected) != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("connected must be serving")
	}
}

func TestHealth_FollowsConnectionState(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := NewHealth(logger)
	srv := NewServer(logger, h, false)

	lis := bufconn.Listen(1 << 16)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func(name string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	h.Observe(service.Event{Type: service.EventState, State: model.Connected})
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	h.Observe(service.Event{Type: service.EventError, Text: "ignored"})
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	h.Observe(service.Event{Type: service.EventState, State: model.Reconnecting})
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	h.Shutdown()
	h.Observe(service.Event{Type: service.EventState, State: model.Connected})
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
}
