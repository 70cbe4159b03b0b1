package api

import (
	"context"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tez-core/internal/backend"
	"tez-core/internal/events"
)

// BackendService is the health service name load balancers probe.
const BackendService = "tez.Backend"

// HealthServer exposes the standard gRPC health protocol. The overall
// status and BackendService follow broker connectivity.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)
	h.SetServingStatus(BackendService, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{srv: srv, health: h}
}

// Track follows connectivity events from bus until ctx ends.
func (h *HealthServer) Track(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.Subscribe(events.EventConnectivity, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-stream:
				if !ok {
					return
				}
				c, ok := v.(backend.Connectivity)
				if !ok {
					continue
				}
				h.SetConnected(c.Connected)
			}
		}
	}()
}

// SetConnected flips the served status.
func (h *HealthServer) SetConnected(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(BackendService, st)
}

// Serve blocks serving lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	log.Printf("gRPC health listening on %s", lis.Addr())
	return h.srv.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
