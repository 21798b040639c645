package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/schedule"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

// Supervisor is the part of the supervisor the API exposes
type Supervisor interface {
	ID() string
	SpawnWorker(ctx context.Context, agentType, taskDescription string, payload any) (string, error)
	GetResult(ctx context.Context, sessionID string) (*domain.WorkerSession, error)
	WaitForCompletion(ctx context.Context, sessionID string, opts supervisor.WaitOptions) (*domain.WorkerSession, error)
	TerminateWorker(ctx context.Context, sessionID string) error
	Metrics() supervisor.Metrics
	Slots() []supervisor.SlotInfo
	SetMaxWorkers(n int) error
	Subscribe() (<-chan supervisor.Event, func())
}

// Store interface for session listing
type Store interface {
	ListSessions(ctx context.Context, opts sessionstore.ListOptions) ([]*domain.WorkerSession, error)
}

// ScheduleLister reports configured schedules
type ScheduleLister interface {
	List() []schedule.Status
}

// Server is the HTTP API server
type Server struct {
	sup       Supervisor
	store     Store
	schedules ScheduleLister
	addr      string
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	server    *http.Server

	pingInterval time.Duration
}

// NewServer creates a new API server
func NewServer(sup Supervisor, store Store, addr string) *Server {
	s := &Server{
		sup:   sup,
		store: store,
		addr:  addr,
		mux:   http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: 30 * time.Second,
	}
	s.setupRoutes()
	return s
}

// SetSchedules exposes schedule status under /api/schedules
func (s *Server) SetSchedules(l ScheduleLister) {
	s.schedules = l
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/sessions", s.spawnHandler())
	s.mux.HandleFunc("GET /api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("GET /api/sessions/{id}", s.getSessionHandler())
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.terminateHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())
	s.mux.HandleFunc("GET /api/slots", s.slotsHandler())
	s.mux.HandleFunc("PUT /api/pool", s.poolHandler())
	s.mux.HandleFunc("GET /api/schedules", s.schedulesHandler())
	s.mux.HandleFunc("GET /api/events", s.eventsHandler())
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps supervisor and store errors to HTTP status codes
func statusFor(err error) int {
	var spawnErr *domain.SpawnError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSupervisorClosed), errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
