package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/HensemLin/tenderdesk/pkg/chat"
	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// chatRequest accepts pdf_ids as an alias of doc_ids. use_semantic_memory
// defaults to true.
type chatRequest struct {
	SessionID         string  `json:"session_id"`
	Message           string  `json:"message"`
	DocIDs            []int64 `json:"doc_ids"`
	PDFIDs            []int64 `json:"pdf_ids"`
	UserID            string  `json:"user_id"`
	UseSemanticMemory *bool   `json:"use_semantic_memory"`
}

func (c chatRequest) turn() chat.TurnRequest {
	ids := c.DocIDs
	if len(ids) == 0 {
		ids = c.PDFIDs
	}
	useSemantic := true
	if c.UseSemanticMemory != nil {
		useSemantic = *c.UseSemanticMemory
	}
	return chat.TurnRequest{
		SessionKey:  c.SessionID,
		Message:     c.Message,
		DocIDs:      ids,
		UserID:      c.UserID,
		UseSemantic: useSemantic,
	}
}

type sessionInfoRequest struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.svc.Chat(r.Context(), req.turn())
	if err != nil {
		writeServiceError(w, "Failed to process chat message", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tc, err := s.svc.ProcessTurn(r.Context(), req.turn())
	if err != nil {
		writeServiceError(w, "Failed to process chat turn", err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	var req sessionInfoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	view, err := s.svc.SessionSummaryView(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, memory.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", req.SessionID))
			return
		}
		writeServiceError(w, "Failed to fetch session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, err := intParam(q.Get("skip"), 0, 0, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "skip: "+err.Error())
		return
	}
	limit, err := intParam(q.Get("limit"), defaultSessionLimit, 1, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	sessions, err := s.svc.ListSessions(r.Context(), q.Get("user_id"), skip, limit)
	if err != nil {
		writeServiceError(w, "Failed to fetch sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit, err := intParam(r.URL.Query().Get("limit"), 0, 1, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	msgs, err := s.svc.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		writeServiceError(w, "Failed to fetch messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.svc.DeleteSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, "Failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// intParam parses an optional query integer. An empty value yields def;
// hi < 0 means unbounded.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if v < lo {
		return 0, fmt.Errorf("must be >= %d", lo)
	}
	if hi >= 0 && v > hi {
		return 0, fmt.Errorf("must be <= %d", hi)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrManagerClosed):
		return http.StatusConflict
	case errors.Is(err, memory.ErrInvalidRole), errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, prefix string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorCF("server", prefix, map[string]interface{}{"error": err.Error()})
	}
	writeError(w, status, prefix+": "+err.Error())
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("server", "Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
