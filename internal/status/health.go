package status

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service whose status follows leadership.
const ServiceName = "lockcoord"

// HealthReporter publishes leadership through the standard gRPC health
// service. The overall ("") status is SERVING while the process runs;
// ServiceName is SERVING only while this instance leads.
type HealthReporter struct {
	server *health.Server
}

// NewHealthReporter creates a reporter that starts as a follower.
func NewHealthReporter() *HealthReporter {
	s := health.NewServer()
	s.SetServingStatus(ServiceName, healthgrpc.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: s}
}

// Register adds the health service to a gRPC server.
func (r *HealthReporter) Register(s *grpc.Server) {
	healthgrpc.RegisterHealthServer(s, r.server)
}

// SetLeader flips ServiceName between SERVING and NOT_SERVING.
func (r *HealthReporter) SetLeader(leader bool) {
	st := healthgrpc.HealthCheckResponse_NOT_SERVING
	if leader {
		st = healthgrpc.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *HealthReporter) Shutdown() {
	r.server.Shutdown()
}
