// Package admin mounts the dispatch core's operational health surface:
// an off-the-shelf ConnectRPC grpc.health.v1 service. No generated
// STUN control-plane service exists alongside it; the dispatch core
// exposes no session state to control.
package admin

import (
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServiceName is the nominal service name this daemon reports health
// for under grpc.health.v1.Health/Check, alongside the generic
// overall-server check grpchealth.HealthV1ServiceName already
// reports.
const ServiceName = "gostun.v1.DispatchCore"

// readHeaderTimeout bounds how long the admin server waits to read a
// client's request headers.
const readHeaderTimeout = 10 * time.Second

// NewServer builds the admin HTTP server. It always reports SERVING for
// both ServiceName and the overall health check, and never reports
// NOT_SERVING. cmd/gostund starts it only after Supervisor.Start has
// returned successfully; during shutdown the supervisor is shut down
// before this server is drained, so for that window it still reports
// SERVING.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
