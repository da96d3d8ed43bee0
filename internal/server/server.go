package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatforge/internal/app"
	"chatforge/internal/identity"
	"chatforge/internal/ratelimit"
	"chatforge/internal/util"
	"chatforge/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *identity.Verifier
	ChatLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  *identity.Verifier
	chatLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		chatLimiter:    cfg.ChatLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("chatforge", s.trustedProxies, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/chat", s.withUser(s.handleChat))
	s.mux.Handle("/api/history", s.withUser(s.handleHistory))
	s.mux.Handle("/api/vote", s.withUser(s.handleVote))
	s.mux.Handle("/api/suggestions", s.withUser(s.handleSuggestions))
	s.mux.Handle("/api/document", s.withUser(s.handleDocument))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser authenticates the bearer token and resolves the local user,
// provisioning it from the identity provider on first contact.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.EnsureLocalUser(r.Context(), subject)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			util.LoggerFromContext(r.Context()).Error("user sync failed", "error", err)
			writeError(w, http.StatusInternalServerError, "user sync failed")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleChatStream(w, r, user)
	case http.MethodGet:
		s.handleChatMessages(w, r, user)
	case http.MethodDelete:
		s.handleChatDelete(w, r, user)
	case http.MethodPatch:
		s.handleChatVisibility(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

type chatStreamRequest struct {
	ID         string                `json:"id"`
	Message    domain.Message        `json:"message"`
	Visibility domain.ChatVisibility `json:"selectedVisibilityType"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if s.chatLimiter != nil && !s.chatLimiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req chatStreamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	emitter, err := newSSEEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	err = s.app.StreamChat(r.Context(), user, app.ChatRequest{
		ChatID:     req.ID,
		Message:    req.Message,
		Visibility: req.Visibility,
	}, emitter)
	if err != nil {
		if emitter.started {
			// Headers are out; the error has to travel in-stream.
			_ = emitter.EmitEvent(app.StreamEvent{Type: app.StreamError, Text: publicError(err)})
			return
		}
		writeAppError(w, r, err)
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	chatID := r.URL.Query().Get("id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	messages, err := s.app.Messages(user, chatID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request, user domain.User) {
	chatID := r.URL.Query().Get("id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.app.DeleteChat(user, chatID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chatID, "status": "deleted"})
}

type visibilityRequest struct {
	Visibility domain.ChatVisibility `json:"visibility"`
}

func (s *Server) handleChatVisibility(w http.ResponseWriter, r *http.Request, user domain.User) {
	chatID := r.URL.Query().Get("id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	var req visibilityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.UpdateChatVisibility(user, chatID, req.Visibility); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chatID, "visibility": string(req.Visibility)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit := 10
	if raw := query.Get("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	startingAfter := query.Get("starting_after")
	endingBefore := query.Get("ending_before")
	if startingAfter != "" && endingBefore != "" {
		writeError(w, http.StatusBadRequest, "only one of starting_after or ending_before can be provided")
		return
	}
	page, err := s.app.History(user, limit, startingAfter, endingBefore)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type voteRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		chatID := r.URL.Query().Get("chatId")
		if chatID == "" {
			writeError(w, http.StatusBadRequest, "chatId is required")
			return
		}
		votes, err := s.app.Votes(user, chatID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, votes)
	case http.MethodPatch:
		var req voteRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ChatID == "" || req.MessageID == "" {
			writeError(w, http.StatusBadRequest, "chatId and messageId are required")
			return
		}
		if req.Type != "up" && req.Type != "down" {
			writeError(w, http.StatusBadRequest, "type must be up or down")
			return
		}
		if err := s.app.Vote(user, req.ChatID, req.MessageID, req.Type == "up"); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}
	suggestions, err := s.app.Suggestions(user, documentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

type documentRequest struct {
	Title   string              `json:"title"`
	Content string              `json:"content"`
	Kind    domain.DocumentKind `json:"kind"`
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	documentID := r.URL.Query().Get("id")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		revisions, err := s.app.DocumentRevisions(user, documentID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revisions)
	case http.MethodPost:
		var req documentRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		revision, err := s.app.SaveDocumentRevision(user, documentID, req.Title, req.Content, req.Kind)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, revision)
	case http.MethodDelete:
		raw := r.URL.Query().Get("timestamp")
		if raw == "" {
			writeError(w, http.StatusBadRequest, "timestamp is required")
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		if err := s.app.RevertDocument(user, documentID, ts); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": documentID, "status": "reverted"})
	default:
		methodNotAllowed(w)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// publicError keeps internal detail out of in-stream error events.
func publicError(err error) string {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return "not found"
	case errors.Is(err, app.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal error"
	}
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return value, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
