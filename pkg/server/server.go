// Package server exposes NodeNexus to the outside: the REST surface, the
// WebSocket push feeds, the agent transports (gRPC bidi stream and binary
// WebSocket) and the Prometheus endpoint.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/agentconfig"
	"github.com/nodenexus/nodenexus/pkg/batch"
	"github.com/nodenexus/nodenexus/pkg/broadcast"
	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/monitor"
	"github.com/nodenexus/nodenexus/pkg/notify"
	"github.com/nodenexus/nodenexus/pkg/renewal"
	"github.com/nodenexus/nodenexus/pkg/session"
	"github.com/nodenexus/nodenexus/pkg/storage"
)

// Deps carries the wired subsystems the server fronts.
type Deps struct {
	Store    *storage.Store
	State    *cache.LiveState
	Hub      *broadcast.Hub
	Push     *broadcast.Pusher
	Registry *session.Registry
	Handler  *session.Handler
	Monitors *monitor.Service
	Batches  *batch.Coordinator
	Channels *notify.Manager
	Renewals *renewal.Scheduler
	Resolver *agentconfig.Resolver
	Configs  *ConfigPusher
}

// Server owns the HTTP and gRPC listeners.
type Server struct {
	Deps

	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	upgrader websocket.Upgrader
}

// New assembles a server over the given dependencies.
func New(deps Deps) *Server {
	s := &Server{
		Deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Push feeds are consumed cross-origin by the web UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Router builds the full HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/servers", s.listHosts).Methods(http.MethodGet)
	api.HandleFunc("/servers", s.createHost).Methods(http.MethodPost)
	api.HandleFunc("/servers/bulk/tags", s.bulkSetTags).Methods(http.MethodPost)
	api.HandleFunc("/servers/bulk/update-check", s.bulkTriggerUpdateCheck).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id:[0-9]+}", s.getHost).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id:[0-9]+}", s.updateHost).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id:[0-9]+}", s.deleteHost).Methods(http.MethodDelete)
	api.HandleFunc("/servers/{id:[0-9]+}/metrics", s.hostTimeseries).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id:[0-9]+}/config", s.setHostConfigOverride).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id:[0-9]+}/renewal", s.upsertRenewal).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id:[0-9]+}/renewal/dismiss-reminder", s.dismissReminder).Methods(http.MethodPost)

	api.HandleFunc("/tags", s.listTags).Methods(http.MethodGet)
	api.HandleFunc("/tags", s.createTag).Methods(http.MethodPost)
	api.HandleFunc("/tags/{id:[0-9]+}", s.updateTag).Methods(http.MethodPut)
	api.HandleFunc("/tags/{id:[0-9]+}", s.deleteTag).Methods(http.MethodDelete)

	api.HandleFunc("/monitors", s.listMonitors).Methods(http.MethodGet)
	api.HandleFunc("/monitors", s.createMonitor).Methods(http.MethodPost)
	api.HandleFunc("/monitors/{id:[0-9]+}", s.getMonitor).Methods(http.MethodGet)
	api.HandleFunc("/monitors/{id:[0-9]+}", s.updateMonitor).Methods(http.MethodPut)
	api.HandleFunc("/monitors/{id:[0-9]+}", s.deleteMonitor).Methods(http.MethodDelete)
	api.HandleFunc("/monitors/{id:[0-9]+}/timeseries", s.monitorTimeseries).Methods(http.MethodGet)
	api.HandleFunc("/monitors/{id:[0-9]+}/results", s.monitorResults).Methods(http.MethodGet)

	api.HandleFunc("/alert-rules", s.listAlertRules).Methods(http.MethodGet)
	api.HandleFunc("/alert-rules", s.createAlertRule).Methods(http.MethodPost)
	api.HandleFunc("/alert-rules/{id:[0-9]+}", s.getAlertRule).Methods(http.MethodGet)
	api.HandleFunc("/alert-rules/{id:[0-9]+}", s.updateAlertRule).Methods(http.MethodPut)
	api.HandleFunc("/alert-rules/{id:[0-9]+}", s.deleteAlertRule).Methods(http.MethodDelete)

	api.HandleFunc("/notification-channels", s.listChannels).Methods(http.MethodGet)
	api.HandleFunc("/notification-channels", s.createChannel).Methods(http.MethodPost)
	api.HandleFunc("/notification-channels/{id:[0-9]+}", s.updateChannel).Methods(http.MethodPut)
	api.HandleFunc("/notification-channels/{id:[0-9]+}", s.deleteChannel).Methods(http.MethodDelete)

	api.HandleFunc("/batch-commands", s.createBatchCommand).Methods(http.MethodPost)
	api.HandleFunc("/batch-commands", s.listBatchCommands).Methods(http.MethodGet)
	api.HandleFunc("/batch-commands/{id}", s.getBatchCommand).Methods(http.MethodGet)
	api.HandleFunc("/batch-commands/{id}/terminate", s.terminateBatchCommand).Methods(http.MethodPost)
	api.HandleFunc("/batch-commands/{id}/tasks/{child}/terminate", s.terminateChildCommand).Methods(http.MethodPost)

	api.HandleFunc("/config/agent-defaults", s.getAgentDefaults).Methods(http.MethodGet)
	api.HandleFunc("/config/agent-defaults", s.setAgentDefaults).Methods(http.MethodPut)

	api.HandleFunc("/public/servers", s.publicServerList).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/ws", s.wsAuthenticated)
	r.HandleFunc("/ws/public", s.wsPublic)
	r.HandleFunc("/ws/agent", s.wsAgent)

	return r
}

// StartHTTP serves the REST + WebSocket surface until Shutdown.
func (s *Server) StartHTTP(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("server").Info().Str("addr", addr).Msg("http listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartGRPC serves the agent stream service until Shutdown.
func (s *Server) StartGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.grpcSrv = grpc.NewServer()
	proto.RegisterAgentCommServer(s.grpcSrv, &agentComm{handler: s.Handler})
	log.WithComponent("server").Info().Str("addr", addr).Msg("grpc listening")
	return s.grpcSrv.Serve(lis)
}

// Shutdown drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	return err
}
