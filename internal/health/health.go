package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the listener
const ServiceName = "pushtrigger.Listener"

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Listener string `json:"listener,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// ListenerState reports the webhook listener lifecycle
type ListenerState interface {
	Listening() bool
	StateName() string
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. A nil pinger means there is no journal database to check.
func HTTPHandler(listener ListenerState, pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Listener: listener.StateName(), Database: true}
		code := http.StatusOK

		if !listener.Listening() {
			st.OK = false
			st.Message = "listener not accepting connections"
			code = http.StatusServiceUnavailable
		}
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}

// NewGRPCServer returns a gRPC health server with the listener reported
// NOT_SERVING until Sync says otherwise
func NewGRPCServer() *grpc_health.Server {
	hs := grpc_health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Sync copies the listener state into hs
func Sync(hs *grpc_health.Server, listener ListenerState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if listener.Listening() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(ServiceName, status)
	hs.SetServingStatus("", status)
}

// Watch calls Sync every interval until ctx ends, then marks everything
// NOT_SERVING
func Watch(ctx context.Context, hs *grpc_health.Server, listener ListenerState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	Sync(hs, listener)
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			Sync(hs, listener)
		}
	}
}
