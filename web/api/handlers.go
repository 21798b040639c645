package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

// SpawnRequest is the body of POST /api/sessions
type SpawnRequest struct {
	AgentType   string          `json:"agent_type"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SessionResponse is the API response for a session
type SessionResponse struct {
	SessionID       string          `json:"session_id"`
	SupervisorID    string          `json:"supervisor_id"`
	AgentType       string          `json:"agent_type"`
	TaskDescription string          `json:"task_description"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	MemoryPeakMB    *float64        `json:"memory_peak_mb,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
}

// PoolRequest is the body of PUT /api/pool
type PoolRequest struct {
	MaxWorkers int `json:"max_workers"`
}

// MetricsResponse is the API response for supervisor metrics
type MetricsResponse struct {
	SupervisorID string `json:"supervisor_id"`
	supervisor.Metrics
	AvgExecutionMs int64 `json:"avg_execution_ms"`
}

func sessionToResponse(s *domain.WorkerSession) SessionResponse {
	return SessionResponse{
		SessionID:       s.SessionID,
		SupervisorID:    s.SupervisorID,
		AgentType:       s.AgentType,
		TaskDescription: s.TaskDescription,
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		Result:          s.ResultPayload,
		Error:           s.ErrorMessage,
		MemoryPeakMB:    s.MemoryPeakMB,
		ExecutionTimeMs: s.ExecutionTimeMs,
	}
}

// spawnHandler launches a worker. The request returns once the unit is
// running, or with ?wait=true once its session is terminal. A client that
// disconnects while the spawn is queued withdraws it.
func (s *Server) spawnHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if strings.TrimSpace(req.AgentType) == "" {
			writeError(w, http.StatusBadRequest, "agent_type is required")
			return
		}
		if len(req.Payload) > 0 && !json.Valid(req.Payload) {
			writeError(w, http.StatusBadRequest, "payload is not valid JSON")
			return
		}

		var payload any
		if len(req.Payload) > 0 {
			payload = req.Payload
		}

		id, err := s.sup.SpawnWorker(r.Context(), req.AgentType, req.Description, payload)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		var session *domain.WorkerSession
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
			session, err = s.sup.WaitForCompletion(r.Context(), id, supervisor.WaitOptions{})
		} else {
			session, err = s.sup.GetResult(r.Context(), id)
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		writeJSONStatus(w, http.StatusCreated, sessionToResponse(session))
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := sessionstore.ListOptions{
			SupervisorID: q.Get("supervisor"),
			Status:       domain.SessionStatus(q.Get("status")),
			Limit:        100,
		}
		if opts.Status != "" && !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(opts.Status)))
			return
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		sessions, err := s.store.ListSessions(r.Context(), opts)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		responses := make([]SessionResponse, len(sessions))
		for i, session := range sessions {
			responses[i] = sessionToResponse(session)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sup.GetResult(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		writeJSON(w, sessionToResponse(session))
	}
}

func (s *Server) terminateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.sup.TerminateWorker(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		writeJSON(w, map[string]string{"status": "terminated", "session_id": id})
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := s.sup.Metrics()
		writeJSON(w, MetricsResponse{
			SupervisorID:   s.sup.ID(),
			Metrics:        m,
			AvgExecutionMs: m.AvgExecution.Milliseconds(),
		})
	}
}

func (s *Server) slotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slots := s.sup.Slots()
		if slots == nil {
			slots = []supervisor.SlotInfo{}
		}
		writeJSON(w, slots)
	}
}

func (s *Server) poolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PoolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.MaxWorkers < 1 {
			writeError(w, http.StatusBadRequest, "max_workers must be at least 1")
			return
		}
		if err := s.sup.SetMaxWorkers(req.MaxWorkers); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		writeJSON(w, PoolRequest{MaxWorkers: s.sup.Metrics().MaxWorkers})
	}
}

func (s *Server) schedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.schedules == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, s.schedules.List())
	}
}
