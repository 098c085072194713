package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/internal/ratelimit"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
	"github.com/albinc92/grok-bud/services/studio/internal/app"
)

// fakeXAI answers chat, image and video calls. chatStatus, when set, makes
// chat completions fail with that status.
type fakeXAI struct {
	srv        *httptest.Server
	chatStatus atomic.Int32
	videoSeq   atomic.Int32
}

func newFakeXAI(t *testing.T) *fakeXAI {
	t.Helper()
	f := &fakeXAI{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeXAI) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/chat/completions":
		if status := int(f.chatStatus.Load()); status != 0 {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rejected"})
			return
		}
		var req struct {
			Messages []domain.ChatMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1].Content
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": "echo: " + last}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	case r.URL.Path == "/images/generations":
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"url": "https://img.test/a.png"}}})
	case r.URL.Path == "/videos/generations":
		n := f.videoSeq.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": fmt.Sprintf("req-%d", n)})
	case strings.HasPrefix(r.URL.Path, "/videos/"):
		id := strings.TrimPrefix(r.URL.Path, "/videos/")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "done",
			"video":  map[string]any{"url": f.srv.URL + "/files/" + id + ".mp4"},
		})
	case strings.HasPrefix(r.URL.Path, "/files/"):
		_, _ = w.Write([]byte("mp4-bytes"))
	default:
		http.NotFound(w, r)
	}
}

type memObjects struct{ keys atomic.Int32 }

func (m *memObjects) Put(_ context.Context, _ string, r io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, r)
	m.keys.Add(1)
	return err
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memObjects) Delete(context.Context, string) error { return nil }

type testServer struct {
	srv *Server
	xai *fakeXAI
}

func newTestServer(t *testing.T, mutateApp func(*app.Config), mutate func(*Config)) *testServer {
	t.Helper()
	xai := newFakeXAI(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	appCfg := app.Config{
		KV:         localstore.NewMemoryKV(),
		XAIBaseURL: xai.srv.URL,
		XAIAPIKey:  "xai-test",
		Objects:    &memObjects{},
		Logger:     logger,
	}
	if mutateApp != nil {
		mutateApp(&appCfg)
	}
	a, err := app.New(context.Background(), appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	cfg := Config{
		App:         a,
		Metrics:     metrics.New(nil),
		CORSOrigins: []string{"http://localhost:5173"},
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testServer{srv: New(cfg), xai: xai}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzSetsHeaders(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff header = %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.do(t, http.MethodGet, "/healthz", nil)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "grokbud_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestSettingsPatchAndValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPatch, "/api/settings", map[string]any{"aspectRatio": "16:9", "galleryColumns": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	prefs := decode[app.Preferences](t, ts.do(t, http.MethodGet, "/api/settings", nil))
	if prefs.AspectRatio != "16:9" || prefs.GalleryColumns != 4 || !prefs.HasAPIKey {
		t.Fatalf("prefs = %+v", prefs)
	}
	if prefs.APIKey != "" {
		t.Fatalf("config api key should not be persisted, got %q", prefs.APIKey)
	}

	rec = ts.do(t, http.MethodPatch, "/api/settings", map[string]any{"imageCount": 99})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid patch status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPatch, "/api/settings", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", rec.Code)
	}
}

func TestChatRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(t, http.MethodPost, "/api/chat", app.ChatInput{Message: "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[app.ChatOutput](t, rec)
	if out.Reply.Content != "echo: hello" || len(out.Messages) != 2 {
		t.Fatalf("chat output = %+v", out)
	}

	usage := decode[domain.UsageStats](t, ts.do(t, http.MethodGet, "/api/usage", nil))
	if usage.ChatTokens != 5 || usage.RequestCount != 1 {
		t.Fatalf("usage = %+v", usage)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/usage", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d", rec.Code)
	}
	usage = decode[domain.UsageStats](t, ts.do(t, http.MethodGet, "/api/usage", nil))
	if usage.RequestCount != 0 {
		t.Fatalf("usage after reset = %+v", usage)
	}
}

func TestChatErrorStatuses(t *testing.T) {
	cases := []struct {
		name     string
		upstream int
		apiKey   string
		body     any
		want     int
	}{
		{name: "empty message", apiKey: "xai-test", body: app.ChatInput{}, want: http.StatusBadRequest},
		{name: "missing key", body: app.ChatInput{Message: "hi"}, want: http.StatusPreconditionFailed},
		{name: "upstream auth", apiKey: "xai-test", upstream: http.StatusUnauthorized, body: app.ChatInput{Message: "hi"}, want: http.StatusUnauthorized},
		{name: "upstream rate limit", apiKey: "xai-test", upstream: http.StatusTooManyRequests, body: app.ChatInput{Message: "hi"}, want: http.StatusTooManyRequests},
		{name: "upstream outage", apiKey: "xai-test", upstream: http.StatusServiceUnavailable, body: app.ChatInput{Message: "hi"}, want: http.StatusBadGateway},
		{name: "unknown chat", apiKey: "xai-test", body: app.ChatInput{ChatID: "missing", Message: "hi"}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, func(c *app.Config) { c.XAIAPIKey = tc.apiKey }, nil)
			ts.xai.chatStatus.Store(int32(tc.upstream))
			rec := ts.do(t, http.MethodPost, "/api/chat", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
			if decode[map[string]string](t, rec)["error"] == "" {
				t.Fatalf("missing error message")
			}
		})
	}
}

func TestGenerationIsRateLimited(t *testing.T) {
	limiter, err := ratelimit.NewMemoryFixedWindow(1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ts := newTestServer(t, nil, func(c *Config) { c.Limiter = limiter })

	if rec := ts.do(t, http.MethodPost, "/api/images", app.ImageInput{Prompt: "a cat"}); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodPost, "/api/images", app.ImageInput{Prompt: "a cat"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	// Buckets are per endpoint.
	if rec := ts.do(t, http.MethodPost, "/api/chat", app.ChatInput{Message: "hi"}); rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}
	st := decode[domain.ImageGenState](t, ts.do(t, http.MethodGet, "/api/images/session", nil))
	if st.Prompt != "a cat" || len(st.Results) != 1 {
		t.Fatalf("image session = %+v", st)
	}
}

func TestFavoritesLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/favorites", app.SaveInput{Type: domain.PostImage, Prompt: "a fox", ImageURL: "https://img.test/a.png", Tags: []string{"fox"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	post := decode[domain.FavoritePost](t, rec)

	chat := app.SaveInput{Type: domain.PostChat, Messages: []domain.ChatMessage{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}}
	if rec := ts.do(t, http.MethodPost, "/api/favorites", chat); rec.Code != http.StatusCreated {
		t.Fatalf("create chat status = %d body=%s", rec.Code, rec.Body.String())
	}

	list := decode[struct {
		Favorites []domain.FavoritePost `json:"favorites"`
		Count     int                   `json:"count"`
	}](t, ts.do(t, http.MethodGet, "/api/favorites?type=image&tag=fox", nil))
	if list.Count != 1 || list.Favorites[0].ID != post.ID {
		t.Fatalf("filtered list = %+v", list)
	}

	rec = ts.do(t, http.MethodPatch, "/api/favorites/"+post.ID, map[string]any{"tags": []string{"animal"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[domain.FavoritePost](t, rec); !got.HasTag("animal") || got.HasTag("fox") {
		t.Fatalf("tags = %v", got.Tags)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/favorites/"+post.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/favorites/"+post.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodPut, "/api/favorites/"+post.ID, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status = %d, want 405", rec.Code)
	}
}

func TestVideoEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	post := decode[domain.FavoritePost](t, ts.do(t, http.MethodPost, "/api/favorites", app.SaveInput{Type: domain.PostImage, Prompt: "a fox", ImageURL: "https://img.test/a.png"}))

	rec := ts.do(t, http.MethodPost, "/api/favorites/"+post.ID+"/videos", app.VideoInput{Duration: 8})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d body=%s", rec.Code, rec.Body.String())
	}
	job := decode[domain.VideoJob](t, ts.do(t, http.MethodGet, "/api/favorites/"+post.ID+"/job", nil))
	if job.Status != domain.JobDone || job.Duration != 8 {
		t.Fatalf("job = %+v", job)
	}

	got := decode[domain.FavoritePost](t, ts.do(t, http.MethodGet, "/api/favorites/"+post.ID, nil))
	if len(got.Videos) != 1 {
		t.Fatalf("videos = %+v", got.Videos)
	}
	videoID := got.Videos[0].ID
	base := "/api/favorites/" + post.ID + "/videos/" + videoID

	rec = ts.do(t, http.MethodGet, base+"/archive", nil)
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "https://objects.test/") {
		t.Fatalf("archive status = %d location=%q", rec.Code, rec.Header().Get("Location"))
	}

	rec = ts.do(t, http.MethodPost, base+"/star", nil)
	if rec.Code != http.StatusOK || !decode[domain.PostVideo](t, rec).Starred {
		t.Fatalf("star status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/favorites/"+post.ID+"/videos", app.VideoInput{Duration: 99})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("long video status = %d, want 400", rec.Code)
	}

	jobPath := "/api/favorites/" + post.ID + "/job"
	if rec := ts.do(t, http.MethodDelete, jobPath, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss job status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, jobPath, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("job after dismiss status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, jobPath, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second dismiss status = %d, want 404", rec.Code)
	}
}

func TestJobEventsStream(t *testing.T) {
	ts := newTestServer(t, nil, func(c *Config) { c.KeepAlive = time.Hour })
	httpSrv := httptest.NewServer(ts.srv.Router())
	t.Cleanup(httpSrv.Close)

	post := decode[domain.FavoritePost](t, ts.do(t, http.MethodPost, "/api/favorites", app.SaveInput{Type: domain.PostImage, Prompt: "a fox", ImageURL: "https://img.test/a.png"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/jobs/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q err=%v", line, err)
	}

	if rec := ts.do(t, http.MethodPost, "/api/favorites/"+post.ID+"/videos", app.VideoInput{}); rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d body=%s", rec.Code, rec.Body.String())
	}

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "video_job" {
		t.Fatalf("event = %q", event)
	}
	var job domain.VideoJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if job.PostID != post.ID || job.Status != domain.JobDone {
		t.Fatalf("job event = %+v", job)
	}
}

func TestSessionWithoutVerifier(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	view := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/session", nil))
	if view["signedIn"] != false {
		t.Fatalf("session = %+v", view)
	}
	if rec := ts.do(t, http.MethodPost, "/api/session", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token status = %d, want 400", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/api/session", map[string]string{"accessToken": "tok"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("sign in status = %d, want 503", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/session", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("sign out status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}
