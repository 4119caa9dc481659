package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dailylog/internal/app"
	"dailylog/pkg/clientstore"
	"dailylog/pkg/domain"
	"dailylog/pkg/feed"
	"dailylog/pkg/store"
)

const testPassword = "open-sesame"

type stubEnricher struct {
	candidate *domain.ImprovementCandidate
}

func (s stubEnricher) SuggestForMessage(context.Context, string) (domain.Suggestion, error) {
	return domain.TextSuggestion("keep going"), nil
}

func (s stubEnricher) AnalyzeForSelfImprovement(context.Context, string) (*domain.ImprovementCandidate, error) {
	return s.candidate, nil
}

func (s stubEnricher) Transcribe(context.Context, []byte, string) (string, error) {
	return "spoken words", nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }
func (denyLimiter) RetryAfter() time.Duration { return time.Minute }

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	app    *app.App
}

func newTestEnv(t *testing.T, enricher app.Enricher, mutate func(*Config)) *testEnv {
	t.Helper()
	f := feed.NewMemoryFeed(64)
	a, err := app.New(app.Config{
		Store:       store.NewNotifyingStore(store.NewMemoryStore(), f, nil),
		Feed:        f,
		Enricher:    enricher,
		ClientStore: clientstore.NewMemoryStore(nil),
		Password:    testPassword,
		Location:    time.UTC,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: a, MaxAudioBytes: 64}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	jar, _ := cookiejar.New(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{srv: srv, client: &http.Client{Jar: jar}, app: a}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	return e.do(t, method, path, "application/json", body)
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/auth", map[string]string{"password": testPassword})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login expected 200, got %d", resp.StatusCode)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestGateFlow(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)

	u, _ := url.Parse(env.srv.URL)
	resp := env.do(t, http.MethodGet, "/api/state", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if decode[authResponse](t, env.do(t, http.MethodGet, "/api/auth", "", nil)).Authenticated {
		t.Fatalf("anonymous caller reported authenticated")
	}

	resp = env.doJSON(t, http.MethodPost, "/api/auth", map[string]string{"password": "nope"})
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[map[string]string](t, resp); body["error"] != "Incorrect password. Please try again." {
		t.Fatalf("unexpected error body: %v", body)
	}
	if cookies := env.client.Jar.Cookies(u); len(cookies) != 0 {
		t.Fatalf("cookie issued before a successful login: %+v", cookies)
	}

	env.login(t)
	if cookies := env.client.Jar.Cookies(u); len(cookies) != 1 || cookies[0].Name != ClientCookie {
		t.Fatalf("expected client cookie after login, got %+v", cookies)
	}
	resp = env.do(t, http.MethodGet, "/api/auth", "", nil)
	if !decode[authResponse](t, resp).Authenticated {
		t.Fatalf("gate should report authenticated")
	}
	expectStatus(t, env.do(t, http.MethodGet, "/api/state", "", nil), http.StatusOK)

	expectStatus(t, env.do(t, http.MethodDelete, "/api/auth", "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, "/api/state", "", nil), http.StatusUnauthorized)
}

func TestAnonymousRequestsAllocateNoSessions(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	anon := &http.Client{}
	for i := 0; i < 200; i++ {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/state", nil)
		if i%2 == 1 {
			req.AddCookie(&http.Cookie{Name: ClientCookie, Value: "forged-client-" + strconv.Itoa(i)})
		}
		resp, err := anon.Do(req)
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("anonymous request %d got %d", i, resp.StatusCode)
		}
		if len(resp.Cookies()) != 0 {
			t.Fatalf("anonymous request %d was issued a cookie", i)
		}
	}
	if n := env.app.Sessions(); n != 0 {
		t.Fatalf("anonymous traffic left %d live sessions", n)
	}

	env.login(t)
	if n := env.app.Sessions(); n != 1 {
		t.Fatalf("expected one session after login, got %d", n)
	}
}

func TestQueueAndSend(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	env.login(t)

	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue/send", nil), http.StatusNoContent)
	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue", map[string]string{"text": "   "}), http.StatusNoContent)

	resp := env.doJSON(t, http.MethodPost, "/api/queue", map[string]string{"text": "first"})
	expectStatus(t, resp, http.StatusCreated)
	first := decode[domain.QueuedMessage](t, resp)
	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue", map[string]string{"text": "second"}), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/queue/"+itoa(first.ID), "", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/queue/not-a-number", "", nil), http.StatusNotFound)

	resp = env.doJSON(t, http.MethodPost, "/api/queue/send", nil)
	expectStatus(t, resp, http.StatusCreated)
	msg := decode[domain.Message](t, resp)
	if !strings.HasSuffix(msg.Text, "] second") || strings.Contains(msg.Text, "first") || !msg.SuggestionLoading {
		t.Fatalf("unexpected message: %+v", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := decode[app.State](t, env.do(t, http.MethodGet, "/api/state", "", nil))
		if len(st.Messages) == 1 && !st.Messages[0].SuggestionLoading && len(st.Queue) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never settled: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoiceUpload(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	env.login(t)

	resp := env.do(t, http.MethodPost, "/api/voice", "audio/webm;codecs=opus", []byte("clip"))
	expectStatus(t, resp, http.StatusCreated)
	if msg := decode[domain.Message](t, resp); msg.Text != app.VoiceNoteText {
		t.Fatalf("unexpected voice message: %+v", msg)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/api/voice", "audio/webm", bytes.Repeat([]byte{1}, 65)), http.StatusRequestEntityTooLarge)
	expectStatus(t, env.do(t, http.MethodPost, "/api/voice", "audio/webm", nil), http.StatusBadRequest)
}

func TestVoiceUploadRateLimited(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, func(c *Config) { c.VoiceLimiter = denyLimiter{} })
	env.login(t)
	resp := env.do(t, http.MethodPost, "/api/voice", "audio/webm", []byte("clip"))
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

func TestTasksThemesAndUser(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	env.login(t)

	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/tasks", map[string]string{"user": "Bob", "text": "x"}), http.StatusBadRequest)
	resp := env.doJSON(t, http.MethodPost, "/api/tasks", map[string]string{"user": "Khushi", "text": "stretch"})
	expectStatus(t, resp, http.StatusCreated)
	task := decode[domain.Task](t, resp)

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp = env.doJSON(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]bool{"toggle": true})
		if resp.StatusCode == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectStatus(t, resp, http.StatusOK)
	if !decode[domain.Task](t, resp).Completed {
		t.Fatalf("toggle did not complete the task")
	}
	expectStatus(t, env.doJSON(t, http.MethodPatch, "/api/tasks/"+task.ID, map[string]string{}), http.StatusBadRequest)
	expectStatus(t, env.doJSON(t, http.MethodPatch, "/api/tasks/missing", map[string]bool{"toggle": true}), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodDelete, "/api/tasks/"+task.ID, "", nil), http.StatusNoContent)

	expectStatus(t, env.doJSON(t, http.MethodPut, "/api/themes/Meet", map[string]string{"themeColor": "plaid"}), http.StatusBadRequest)
	expectStatus(t, env.doJSON(t, http.MethodPut, "/api/themes/Bob", map[string]string{"themeColor": "rose"}), http.StatusBadRequest)
	expectStatus(t, env.doJSON(t, http.MethodPut, "/api/themes/Meet", map[string]string{"themeColor": "rose"}), http.StatusOK)

	resp = env.doJSON(t, http.MethodPut, "/api/user", map[string]string{"user": "Khushi"})
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]string](t, resp)["currentUser"]; got != "Khushi" {
		t.Fatalf("currentUser = %q", got)
	}
	expectStatus(t, env.doJSON(t, http.MethodPut, "/api/improvements/missing", map[string]bool{"completed": true}), http.StatusMethodNotAllowed)
	expectStatus(t, env.doJSON(t, http.MethodPatch, "/api/improvements/missing", map[string]bool{"completed": true}), http.StatusNotFound)
}

func TestPromptEndpoints(t *testing.T) {
	candidate := &domain.ImprovementCandidate{ImprovementText: "Drink water", MotivationalSubtitle: "Stay fresh."}
	env := newTestEnv(t, stubEnricher{candidate: candidate}, nil)
	env.login(t)

	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/improvements/prompt", nil), http.StatusConflict)
	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue", map[string]string{"text": "I need more water"}), http.StatusCreated)
	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue/send", nil), http.StatusCreated)

	deadline := time.Now().Add(3 * time.Second)
	for {
		body := decode[map[string]*app.PendingPrompt](t, env.do(t, http.MethodGet, "/api/improvements/prompt", "", nil))
		if p := body["prompt"]; p != nil {
			if p.Sender != domain.UserMeet || p.Candidate != *candidate {
				t.Fatalf("unexpected prompt: %+v", p)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("prompt never opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp := env.doJSON(t, http.MethodPost, "/api/improvements/prompt", nil)
	expectStatus(t, resp, http.StatusCreated)
	if item := decode[domain.SelfImprovement](t, resp); item.ImprovementText != "Drink water" || item.User != domain.UserMeet {
		t.Fatalf("unexpected goal: %+v", item)
	}
	expectStatus(t, env.do(t, http.MethodDelete, "/api/improvements/prompt", "", nil), http.StatusNoContent)
}

func TestWebsocketStreamsState(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	env.login(t)

	u, _ := url.Parse(env.srv.URL)
	header := http.Header{}
	for _, c := range env.client.Jar.Cookies(u) {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first stateFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != frameState || !first.State.Authenticated {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	expectStatus(t, env.doJSON(t, http.MethodPost, "/api/queue", map[string]string{"text": "hello"}), http.StatusCreated)
	for {
		var frame stateFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type == frameState && len(frame.State.Queue) == 1 {
			break
		}
	}
}

func TestWebsocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t, stubEnricher{}, nil)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{allowedOrigins: []string{"https://log.example.com/"}}
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://app.local", true},
		{"https://log.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://app.local/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := s.checkOrigin(r); got != tc.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestAudioMimeType(t *testing.T) {
	cases := map[string]string{
		"audio/webm;codecs=opus": "audio/webm",
		"audio/ogg":              "audio/ogg",
		"":                       "audio/webm",
		"text/plain":             "audio/webm",
	}
	for in, want := range cases {
		if got := audioMimeType(in); got != want {
			t.Fatalf("audioMimeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
