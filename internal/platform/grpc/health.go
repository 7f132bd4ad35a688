package grpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthInitialBackoff = 100 * time.Millisecond
	healthMaxBackoff     = time.Second
	healthCallTimeout    = time.Second
)

// WaitForHealth polls the health service until it reports SERVING or ctx ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger *zap.Logger) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := healthInitialBackoff
	for attempt := 1; ; attempt++ {
		status, err := checkOnce(ctx, client, service)
		if err == nil && status == grpc_health_v1.HealthCheckResponse_SERVING {
			logger.Debug("gRPC health serving", zap.Int("attempt", attempt))
			return nil
		}
		if err != nil {
			logger.Debug("waiting for gRPC health", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			logger.Debug("waiting for gRPC health", zap.Int("attempt", attempt), zap.Stringer("status", status))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, healthMaxBackoff)
	}
}

func checkOnce(ctx context.Context, client grpc_health_v1.HealthClient, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
	defer cancel()
	resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
