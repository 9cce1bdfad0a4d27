package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threadstream/internal/ratelimit"
	"threadstream/internal/util"
	"threadstream/pkg/domain"
	"threadstream/services/chat/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier resolves a bearer token to its subject.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// RateLimiter is satisfied by ratelimit.FixedWindowLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier TokenVerifier
	// ChatLimiter and ResumeLimiter are optional.
	ChatLimiter    RateLimiter
	ResumeLimiter  RateLimiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	verifier       TokenVerifier
	chatLimiter    RateLimiter
	resumeLimiter  RateLimiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		chatLimiter:    cfg.ChatLimiter,
		resumeLimiter:  cfg.ResumeLimiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithCORS(s.corsOrigins, util.WithSecurityHeaders(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/chat", s.withUser(s.handleChat))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		userID, err := s.verifier.VerifySubject(token)
		if err != nil || strings.TrimSpace(userID) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		s.handlePostChat(w, r, userID)
	case http.MethodGet:
		s.handleResume(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

type messageBody struct {
	ID    string        `json:"id"`
	Parts []domain.Part `json:"parts"`
}

type chatRequest struct {
	ID                     string      `json:"id"`
	Message                messageBody `json:"message"`
	Model                  string      `json:"model"`
	ProposedNewAssistantID string      `json:"proposedNewAssistantId"`
	EnabledTools           []string    `json:"enabledTools"`
	TargetFromMessageID    string      `json:"targetFromMessageId"`
	TargetMode             string      `json:"targetMode"`
	ImageSize              string      `json:"imageSize"`
}

func (s *Server) handlePostChat(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allowRate(w, r, s.chatLimiter, "chat:"+userID, "too many chat requests") {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	gen, err := s.app.Chat(r.Context(), app.ChatRequest{
		UserID:   userID,
		ThreadID: strings.TrimSpace(req.ID),
		Message: app.InputMessage{
			ID:    req.Message.ID,
			Parts: req.Message.Parts,
		},
		ModelID:             req.Model,
		AssistantMessageID:  req.ProposedNewAssistantID,
		EnabledTools:        req.EnabledTools,
		TargetMode:          domain.TargetMode(strings.TrimSpace(req.TargetMode)),
		TargetFromMessageID: req.TargetFromMessageID,
		ImageSize:           req.ImageSize,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.stream(w, r, gen.ThreadID, gen.StreamID, gen.Body)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.app.ResumeEnabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.allowRate(w, r, s.resumeLimiter, "resume:"+util.ClientBucket(r, s.trustedProxies), "too many resume requests") {
		return
	}
	res, err := s.app.Resume(r.Context(), userID, r.URL.Query().Get("chatId"))
	if err != nil {
		if errors.Is(err, app.ErrResumeDisabled) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("X-Resume-Mode", res.Mode)
	s.stream(w, r, res.ThreadID, res.StreamID, res.Body)
}

// stream copies wire chunks to the client, flushing after each one. It
// returns when body closes or the client goes away; the generation itself
// keeps running.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, threadID, streamID string, body <-chan []byte) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Data-Stream", "v1")
	h.Set("X-Thread-Id", threadID)
	h.Set("X-Stream-Id", streamID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()
	ctx := util.WithStream(r.Context(), threadID, streamID)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-body:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				util.LoggerFromContext(ctx).Debug("stream write failed", "err", err)
				return
			}
			_ = rc.Flush()
		}
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter RateLimiter, key, msg string) bool {
	if limiter == nil {
		return true
	}
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	util.LoggerFromContext(r.Context()).Info("request rate limited", "key", key, "client_ip", util.ClientIP(r, s.trustedProxies))
	retry := int(decision.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("chat request failed", "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, app.ErrUnsupportedModel):
		return http.StatusBadRequest, "unsupported_model"
	case errors.Is(err, app.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target"
	case errors.Is(err, app.ErrNoUsableModel):
		return http.StatusConflict, "no_usable_model"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrThreadNotFound):
		return http.StatusNotFound, "thread_not_found"
	case errors.Is(err, app.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found"
	case errors.Is(err, app.ErrNoStreams):
		return http.StatusNotFound, "no_streams"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
