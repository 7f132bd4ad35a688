package grpc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDialSuccess(t *testing.T) {
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)

	conn, err := Dial(context.Background(), "passthrough:///bufnet", DialConfig{
		Timeout: 2 * time.Second,
		Options: []gogrpc.DialOption{srv.dialer()},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close conn: %v", err)
	}
}

func TestDialReturnsHealthStageWhenNotServing(t *testing.T) {
	srv := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	start := time.Now()
	conn, err := Dial(context.Background(), "passthrough:///bufnet", DialConfig{
		Timeout: 200 * time.Millisecond,
		Options: []gogrpc.DialOption{srv.dialer()},
	})
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected error")
	}
	if conn != nil {
		t.Fatal("expected nil connection on error")
	}
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected DialError, got %T", err)
	}
	if dialErr.Stage != DialStageHealth {
		t.Fatalf("stage = %q, want %q", dialErr.Stage, DialStageHealth)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dial took %v, expected timeout to bound it", elapsed)
	}
}

func TestDialErrorMessage(t *testing.T) {
	err := &DialError{Addr: "identity:50051", Stage: DialStageConnect, Err: errors.New("boom")}
	if !strings.Contains(err.Error(), "connect identity:50051") {
		t.Fatalf("error = %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("expected unwrap to expose cause")
	}
	var nilErr *DialError
	if nilErr.Error() == "" || nilErr.Unwrap() != nil {
		t.Fatal("nil DialError should be safe")
	}
}

func TestClientOptionsIncludeCredentialsAndStats(t *testing.T) {
	if got := len(ClientOptions()); got != 2 {
		t.Fatalf("ClientOptions len = %d, want 2", got)
	}
}
