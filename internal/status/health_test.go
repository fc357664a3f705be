package status

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func assertServing(t *testing.T, r *HealthReporter, want healthgrpc.HealthCheckResponse_ServingStatus) {
	t.Helper()

	resp, err := r.server.Check(context.Background(), &healthgrpc.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, want, resp.GetStatus())
}

func TestHealthReporter_FollowsLeadership(t *testing.T) {
	r := NewHealthReporter()
	assertServing(t, r, healthgrpc.HealthCheckResponse_NOT_SERVING)

	r.SetLeader(true)
	assertServing(t, r, healthgrpc.HealthCheckResponse_SERVING)

	r.SetLeader(false)
	assertServing(t, r, healthgrpc.HealthCheckResponse_NOT_SERVING)
}

func TestHealthReporter_OverallServing(t *testing.T) {
	r := NewHealthReporter()

	resp, err := r.server.Check(context.Background(), &healthgrpc.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthgrpc.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestHealthReporter_Shutdown(t *testing.T) {
	r := NewHealthReporter()
	r.SetLeader(true)

	r.Shutdown()
	assertServing(t, r, healthgrpc.HealthCheckResponse_NOT_SERVING)

	// Updates after shutdown are ignored
	r.SetLeader(true)
	assertServing(t, r, healthgrpc.HealthCheckResponse_NOT_SERVING)
}

func TestHealthReporter_OverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	r := NewHealthReporter()
	r.Register(srv)

	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := healthgrpc.NewHealthClient(conn)
	r.SetLeader(true)

	resp, err := client.Check(ctx, &healthgrpc.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthgrpc.HealthCheckResponse_SERVING, resp.GetStatus())
}
