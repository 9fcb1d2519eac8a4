package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// Chat endpoints back the assistant UI. Sessions and messages are plain
// CRUD; the dispatch core never reads them.

type chatSessionCreateRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type chatMessageCreateRequest struct {
	Role     string          `json:"role"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// handleChatSessions creates or lists sessions.
// POST /v1/chat/sessions, GET /v1/chat/sessions?user_id=&include_archived=
func (s *Server) handleChatSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req chatSessionCreateRequest
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			req.UserID = "default"
		}
		now := time.Now().UTC()
		sess := &models.ChatSession{
			ID:           uuid.New().String(),
			UserID:       req.UserID,
			Name:         req.Name,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := s.store.CreateChatSession(sess); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, sess)
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			userID = "default"
		}
		includeArchived := r.URL.Query().Get("include_archived") == "true"
		sessions, err := s.store.ListChatSessions(userID, includeArchived)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if sessions == nil {
			sessions = []*models.ChatSession{}
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleChatSession routes session-scoped endpoints:
//
//	GET    /v1/chat/sessions/{id}
//	DELETE /v1/chat/sessions/{id}
//	POST   /v1/chat/sessions/{id}/archive
//	GET    /v1/chat/sessions/{id}/messages
//	POST   /v1/chat/sessions/{id}/messages
func (s *Server) handleChatSession(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/v1/chat/sessions/")
	if len(parts) == 0 {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		sess, err := s.store.GetChatSession(sessionID)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, sess)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.store.DeleteChatSession(sessionID); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case len(parts) == 2 && parts[1] == "archive" && r.Method == http.MethodPost:
		if err := s.store.SetChatSessionArchived(sessionID, true); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		msgs, err := s.store.ListChatMessages(sessionID, 0)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*models.ChatMessage{}
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		var req chatMessageCreateRequest
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Role) == "" || req.Content == "" {
			s.respondError(w, http.StatusBadRequest, "role and content are required")
			return
		}
		if _, err := s.store.GetChatSession(sessionID); err != nil {
			s.respondDomainError(w, err)
			return
		}
		msg := &models.ChatMessage{
			SessionID: sessionID,
			Role:      req.Role,
			Content:   req.Content,
			Timestamp: time.Now().UTC(),
			Metadata:  req.Metadata,
		}
		if err := s.store.AppendChatMessage(msg); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, msg)
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}
