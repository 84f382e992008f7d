// ABOUTME: HTTP endpoints of the agency: health, readiness, metrics, agent listing and history
// ABOUTME: /api/agents/{id}/events streams an agent's progress reports over a websocket

package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/testcentric-engine/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000

	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin allows requests without an Origin header, from localhost, or
// from the host being served.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
		return true
	}
	_, host, ok := strings.Cut(origin, "://")
	return ok && host == r.Host
}

// AgentRecordResponse is the JSON form of a store.AgentRecord.
type AgentRecordResponse struct {
	AgentID     string     `json:"agent_id"`
	PackageID   string     `json:"package_id"`
	Executable  string     `json:"executable"`
	Args        []string   `json:"args"`
	PID         int        `json:"pid"`
	Status      string     `json:"status"`
	LaunchedAt  time.Time  `json:"launched_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ListAgentsResponse is returned by GET /api/agents.
type ListAgentsResponse struct {
	Connected []AgentInfo           `json:"connected"`
	History   []AgentRecordResponse `json:"history"`
}

// ProgressEvent is one websocket message on /api/agents/{id}/events.
type ProgressEvent struct {
	AgentID string `json:"agent_id"`
	Report  string `json:"report"`
}

func newAgentRecordResponse(rec *store.AgentRecord) AgentRecordResponse {
	return AgentRecordResponse{
		AgentID:     rec.AgentID,
		PackageID:   rec.PackageID,
		Executable:  rec.Executable,
		Args:        rec.Args,
		PID:         rec.PID,
		Status:      rec.Status,
		LaunchedAt:  rec.LaunchedAt,
		ConnectedAt: rec.ConnectedAt,
		ExitedAt:    rec.ExitedAt,
		ExitCode:    rec.ExitCode,
		Error:       rec.Error,
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /api/agents/{id}/events", s.handleAgentEvents)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the agency accepts agents.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not accepting agents"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(s.manager.ListAgents()))
}

// handleListAgents handles GET /api/agents. ?limit=N bounds the history.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.store.ListAgents(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing agent history", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	resp := ListAgentsResponse{
		Connected: s.manager.ListAgents(),
		History:   make([]AgentRecordResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.History = append(resp.History, newAgentRecordResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetAgent handles GET /api/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	rec, err := s.store.GetAgent(r.Context(), id.String())
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		s.logger.Error("reading agent history", "agent_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to read agent")
		return
	}
	s.writeJSON(w, http.StatusOK, newAgentRecordResponse(rec))
}

// handleAgentEvents streams the agent's progress reports until the agent
// disconnects or the client goes away.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if _, ok := s.manager.GetAgent(id); !ok {
		s.sendJSONError(w, http.StatusNotFound, "agent not connected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "agent_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything we need; reading detects its close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	reports, _ := s.manager.Subscribe(ctx, id)
	for report := range reports {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ProgressEvent{AgentID: id.String(), Report: report}); err != nil {
			s.logger.Debug("websocket write failed", "agent_id", id, "error", err)
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnected"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
