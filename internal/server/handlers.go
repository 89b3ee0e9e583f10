package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/recall/internal/memory"
	"github.com/hyperjump/recall/internal/models"
	"go.uber.org/zap"
)

type appendRequest struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s *Server) openMemory(w http.ResponseWriter, r *http.Request) (*memory.Memory, bool) {
	agent := chi.URLParam(r, "agent")
	mem, err := s.memories.Open(r.Context(), agent)
	if err != nil {
		s.logger.Error("open memory failed", zap.String("agent", agent), zap.Error(err))
		s.respondErr(w, err)
		return nil, false
	}
	return mem, true
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("append turn request", zap.String("agent", mem.Name()), zap.String("role", req.Role))
	turn, err := mem.Append(r.Context(), models.TurnInput{Role: role, Content: req.Content, Timestamp: req.Timestamp})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, turn)
}

func (s *Server) handleScanTurns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.TurnFilter
	if v := q.Get("role"); v != "" {
		role, err := models.ParseRole(v)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		filter.Role = role
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		filter.AfterSequence = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	turns, err := mem.Table().Scan(r.Context(), filter)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if turns == nil {
		turns = []*models.Turn{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"turns": turns, "count": len(turns)})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	s.logger.Debug("retrieve request", zap.String("agent", mem.Name()), zap.String("query", req.Query), zap.Int("limit", req.Limit))
	resp, err := mem.Search(r.Context(), &req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBuildIndex(w http.ResponseWriter, r *http.Request) {
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	report, err := mem.BuildOrUpdate(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mem, ok := s.openMemory(w, r)
	if !ok {
		return
	}
	status, err := mem.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.memories.Agents(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusCode maps the error taxonomy onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIndexNotReady), errors.Is(err, models.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.respondError(w, code, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
