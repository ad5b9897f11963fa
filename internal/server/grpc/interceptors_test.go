package grpcserver

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_PassthroughAndLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ic := LoggingUnary(zap.New(core))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp.(string) != "ok" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}

	wantErr := status.Error(codes.Internal, "boom")
	if _, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("want 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("levels: %v, %v", entries[0].Level, entries[1].Level)
	}
	if entries[0].ContextMap()["peer"] != "127.0.0.1:12345" {
		t.Fatalf("peer not logged: %v", entries[0].ContextMap())
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zap.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.Engine/Panic"}

	resp, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) {
		panic("oh no")
	})
	if resp != nil {
		t.Fatalf("want nil resp, got %v", resp)
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}

	resp, err = ic(context.Background(), "req", info, func(context.Context, any) (any, error) { return 42, nil })
	if err != nil || resp.(int) != 42 {
		t.Fatalf("passthrough: %v, %v", resp, err)
	}
}
