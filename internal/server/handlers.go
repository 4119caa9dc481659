package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dailylog/internal/app"
	"dailylog/pkg/domain"
)

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Authenticated bool `json:"authenticated"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := clientID(r)
		if !ok {
			writeJSON(w, http.StatusOK, authResponse{})
			return
		}
		r = withClientLogger(r, id)
		sess, err := s.app.Session(r.Context(), id)
		if errors.Is(err, app.ErrUnauthenticated) {
			writeJSON(w, http.StatusOK, authResponse{})
			return
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Authenticated: sess.Authenticated(r.Context())})
	case http.MethodPost:
		var req authRequest
		if err := decodeJSON(r, &req); err != nil {
			s.audit(r, "daily_log.login", "fail", "reason", "invalid_json")
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, ok := clientID(r)
		if !ok {
			id = uuid.NewString()
		}
		r = withClientLogger(r, id)
		if _, err := s.app.Login(r.Context(), id, req.Password); err != nil {
			if errors.Is(err, app.ErrIncorrectPassword) {
				s.audit(r, "daily_log.login", "fail", "reason", "incorrect_password")
			}
			writeAppError(w, r, err)
			return
		}
		if !ok {
			http.SetCookie(w, s.clientCookie(id))
		}
		s.audit(r, "daily_log.login", "success")
		writeJSON(w, http.StatusOK, authResponse{Authenticated: true})
	case http.MethodDelete:
		if id, ok := clientID(r); ok {
			r = withClientLogger(r, id)
			sess, err := s.app.Session(r.Context(), id)
			if err != nil && !errors.Is(err, app.ErrUnauthenticated) {
				writeAppError(w, r, err)
				return
			}
			if sess != nil {
				sess.Logout(r.Context())
			}
		}
		s.audit(r, "daily_log.logout", "success")
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type userRequest struct {
	User string `json:"user"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sess.SetCurrentUser(r.Context(), domain.User(strings.TrimSpace(req.User))); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.User{"currentUser": sess.CurrentUser()})
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sess.SetCompose(r.Context(), req.Text); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"queue": sess.Queue()})
	case http.MethodPost:
		var req textRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		item, queued, err := sess.Enqueue(r.Context(), req.Text)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !queued {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := sess.Dequeue(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendQueue(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	msg, err := sess.SendQueue(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.voiceLimiter != nil && !s.voiceLimiter.Allow(r.Context(), sess.ID()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.voiceLimiter.RetryAfter().Seconds())))
		writeError(w, http.StatusTooManyRequests, "too many voice notes")
		return
	}
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "voice note too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read voice note")
		return
	}
	msg, err := sess.SendVoiceNote(r.Context(), audio, audioMimeType(r.Header.Get("Content-Type")))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// audioMimeType drops codec parameters; recorders send e.g.
// "audio/webm;codecs=opus".
func audioMimeType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return "audio/webm"
	}
	return mediaType
}

type taskRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
}

type taskPatchRequest struct {
	Text   *string `json:"text"`
	Toggle bool    `json:"toggle"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := sess.AddTask(r.Context(), domain.User(strings.TrimSpace(req.User)), req.Text)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	id, ok := pathID(r, "/api/tasks/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req taskPatchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var (
			task domain.Task
			err  error
		)
		switch {
		case req.Toggle:
			task, err = sess.ToggleTask(r.Context(), id)
		case req.Text != nil:
			task, err = sess.UpdateTaskText(r.Context(), id, *req.Text)
		default:
			writeError(w, http.StatusBadRequest, "text or toggle is required")
			return
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := sess.DeleteTask(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleImprovementByID(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	id, ok := pathID(r, "/api/improvements/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var patch domain.SelfImprovementPatch
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if patch.ImprovementText == nil && patch.Completed == nil {
			writeError(w, http.StatusBadRequest, "improvement_text or completed is required")
			return
		}
		item, err := sess.UpdateSelfImprovement(r.Context(), id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := sess.DeleteSelfImprovement(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	switch r.Method {
	case http.MethodGet:
		pp, ok := sess.Prompt()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"prompt": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompt": pp})
	case http.MethodPost:
		item, err := sess.ConfirmPrompt(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	case http.MethodDelete:
		if _, err := sess.CancelPrompt(r.Context()); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

type themeRequest struct {
	ThemeColor domain.ThemeColor `json:"themeColor"`
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	raw, ok := pathID(r, "/api/themes/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	user, err := domain.ParseUser(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, app.ErrInvalidUser.Error())
		return
	}
	var req themeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sess.SetTheme(r.Context(), user, req.ThemeColor); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.LookupTheme(req.ThemeColor))
}

// pathID returns the single path segment after prefix.
func pathID(r *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
