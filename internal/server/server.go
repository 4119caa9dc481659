package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dailylog/internal/app"
	"dailylog/internal/util"
	"dailylog/pkg/store"
)

const (
	// ClientCookie identifies the browser a session belongs to.
	ClientCookie    = "daily_log_client"
	clientCookieTTL = 365 * 24 * time.Hour

	defaultMaxAudioBytes = 10 << 20
	maxJSONBytes         = 1 << 20
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// VoiceLimiter caps voice-note uploads per client.
type VoiceLimiter interface {
	Allow(ctx context.Context, key string) bool
	RetryAfter() time.Duration
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxAudioBytes  int64
	CookieSecure   bool
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
	VoiceLimiter   VoiceLimiter
}

// Server exposes the daily log over HTTP and websocket.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxAudioBytes  int64
	cookieSecure   bool
	allowedOrigins []string
	trusted        *util.TrustedProxies
	voiceLimiter   VoiceLimiter
	upgrader       websocket.Upgrader
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxAudio := cfg.MaxAudioBytes
	if maxAudio <= 0 {
		maxAudio = defaultMaxAudioBytes
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxAudioBytes:  maxAudio,
		cookieSecure:   cfg.CookieSecure,
		allowedOrigins: cfg.AllowedOrigins,
		trusted:        cfg.TrustedProxies,
		voiceLimiter:   cfg.VoiceLimiter,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("dailylog", s.trusted,
			util.WithSecurityHeaders(
				util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/auth", s.handleAuth)
	s.mux.Handle("/api/state", s.authenticated(s.handleState))
	s.mux.Handle("/api/user", s.authenticated(s.handleUser))
	s.mux.Handle("/api/compose", s.authenticated(s.handleCompose))

	s.mux.Handle("/api/queue", s.authenticated(s.handleQueue))
	s.mux.Handle("/api/queue/send", s.authenticated(s.handleSendQueue))
	s.mux.Handle("/api/queue/", s.authenticated(s.handleQueueItem))
	s.mux.Handle("/api/voice", s.authenticated(s.handleVoice))

	s.mux.Handle("/api/tasks", s.authenticated(s.handleTasks))
	s.mux.Handle("/api/tasks/", s.authenticated(s.handleTaskByID))
	s.mux.Handle("/api/improvements/prompt", s.authenticated(s.handlePrompt))
	s.mux.Handle("/api/improvements/", s.authenticated(s.handleImprovementByID))
	s.mux.Handle("/api/themes/", s.authenticated(s.handleTheme))

	s.mux.Handle("/ws", s.authenticated(s.handleWS))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.app.Sessions()})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

// withSession resolves the caller's live session from the client cookie.
// Requests without a cookie, or whose client has no session and no valid
// credential marker, are rejected before any state is allocated.
func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := clientID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, app.ErrUnauthenticated.Error())
			return
		}
		sess, err := s.app.Session(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, withClientLogger(r, id), sess)
	})
}

func (s *Server) authenticated(next sessionHandler) http.Handler {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess *app.Session) {
		if !sess.Authenticated(r.Context()) {
			writeError(w, http.StatusUnauthorized, app.ErrUnauthenticated.Error())
			return
		}
		next(w, r, sess)
	})
}

func clientID(r *http.Request) (string, bool) {
	c, err := r.Cookie(ClientCookie)
	if err != nil || !clientIDPattern.MatchString(c.Value) {
		return "", false
	}
	return c.Value, true
}

func withClientLogger(r *http.Request, id string) *http.Request {
	ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("client_id", id))
	return r.WithContext(ctx)
}

func (s *Server) clientCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.TrimRight(strings.TrimSpace(allowed), "/") == origin {
			return true
		}
	}
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps session errors to HTTP statuses. Anything unrecognised
// is a backend failure.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrIncorrectPassword), errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrInvalidUser), errors.Is(err, app.ErrInvalidTheme),
		errors.Is(err, app.ErrEmptyText), errors.Is(err, app.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNoPendingPrompt):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrTaskNotMirrored), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}

func logger(r *http.Request) *slog.Logger {
	return util.LoggerFromContext(r.Context())
}
