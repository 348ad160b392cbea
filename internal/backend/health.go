package backend

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RealtimeService is the health service name reported for the socket endpoint.
const RealtimeService = "matchrelay.Realtime"

// Health reports serving status over the standard gRPC health protocol.
type Health struct {
	srv *health.Server
}

// NewHealth creates a Health with the server and RealtimeService serving.
func NewHealth() *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_SERVING)
	return &Health{srv: srv}
}

// Register installs the health service on g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.srv)
}

// Shutdown reports NOT_SERVING for every service. Watchers are notified.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}
