package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"storyround/internal/app"
	"storyround/internal/ratelimit"
	"storyround/internal/util"
	"storyround/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// PostLimiter throttles post attempts per user. Nil disables limiting.
	PostLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the turn coordination service.
type Server struct {
	app         *app.App
	postLimiter *ratelimit.FixedWindowLimiter
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app is required")
	}
	s := &Server{
		app:         cfg.App,
		postLimiter: cfg.PostLimiter,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("storyround", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// threads
	s.mux.Handle("/threads", s.withUser(s.handleThreads))
	s.mux.Handle("/threads/", s.withUser(s.handleThreadByID))

	// posts (moderation)
	s.mux.Handle("/posts/", s.withUser(s.handlePostByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

// withUser resolves the acting user from the X-User-Id header set by the
// gateway after it verifies the session. Requests without one are rejected.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListThreads(w, r)
	case http.MethodPost:
		s.handleCreateThread(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

// /threads/{id} plus the sub-resources join, can-post, posts, complete
// and reconcile.
func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/threads/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetThread(w, r, id)
		return
	}
	switch parts[1] {
	case "join":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleJoin(w, r, id, userID)
	case "can-post":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleCanPost(w, r, id, userID)
	case "posts":
		switch r.Method {
		case http.MethodGet:
			s.handleListPosts(w, r, id)
		case http.MethodPost:
			s.handleCreatePost(w, r, id, userID)
		default:
			methodNotAllowed(w)
		}
	case "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleComplete(w, r, id, userID)
	case "reconcile":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleReconcile(w, r, id)
	default:
		notFound(w, "not found")
	}
}

// /posts/{id}/remove
func (s *Server) handlePostByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/posts/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "remove" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.RemovePost(r.Context(), parts[0], userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.app.ListThreads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": threads,
		"count": len(threads),
	})
}

type createThreadRequest struct {
	Theme           string `json:"theme"`
	MinParticipants int    `json:"minParticipants"`
	MaxParticipants int    `json:"maxParticipants"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request, userID string) {
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	thread, err := s.app.CreateThread(r.Context(), req.Theme, req.MinParticipants, req.MaxParticipants, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request, id string) {
	state, err := s.app.GetThreadState(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, id, userID string) {
	participant, err := s.app.Join(r.Context(), id, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (s *Server) handleCanPost(w http.ResponseWriter, r *http.Request, id, userID string) {
	decision, err := s.app.CanPost(r.Context(), id, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request, id string) {
	includeRemoved := r.URL.Query().Get("includeRemoved") == "true"
	posts, err := s.app.ListPosts(r.Context(), id, includeRemoved)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": posts,
		"count": len(posts),
	})
}

type createPostRequest struct {
	Content             string   `json:"content"`
	Sources             []string `json:"sources"`
	PlagiarismConfirmed bool     `json:"plagiarismConfirmed"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, id, userID string) {
	if s.postLimiter != nil && !s.postLimiter.Allow(r.Context(), userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	post, err := s.app.RecordPost(r.Context(), id, userID, req.Content, req.Sources, req.PlagiarismConfirmed)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id, userID string) {
	if err := s.app.CompleteThread(r.Context(), id, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.ReconcileTurnOrders(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writeAppError maps the coordination core's sentinel errors onto HTTP
// statuses. Anything unrecognized is treated as a bad request carrying
// the validation message.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrThreadFull):
		writeError(w, http.StatusConflict, "thread is full")
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, http.StatusConflict, "thread is not in a valid state for this action")
	case errors.Is(err, domain.ErrNotYourTurn):
		writeError(w, http.StatusConflict, "not your turn")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting update, retry")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForThread(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForThread(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_MISSING_USER"
	case message == "forbidden":
		return "USER_FORBIDDEN"
	case message == "thread not found":
		return "THREAD_NOT_FOUND"
	case message == "thread is full":
		return "THREAD_FULL"
	case message == "not your turn":
		return "TURN_NOT_YOURS"
	case strings.Contains(message, "not in a valid state"):
		return "THREAD_INVALID_STATE"
	case strings.Contains(message, "conflicting update"):
		return "THREAD_CONFLICT"
	case message == "rate limit exceeded":
		return "POST_RATE_LIMITED"
	case message == "invalid json body":
		return "THREAD_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "THREAD_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_MISSING_USER"
	case http.StatusForbidden:
		return "USER_FORBIDDEN"
	case http.StatusNotFound:
		return "THREAD_NOT_FOUND"
	case http.StatusConflict:
		return "THREAD_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "POST_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
