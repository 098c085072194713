package util

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWithRequestLogObservesStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var gotMethod string
	var gotStatus int
	observe := func(method string, status int, _ time.Duration) {
		gotMethod, gotStatus = method, status
	}
	h := WithRequestLog(observe, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPatch, "/api/settings", nil)
	req = req.WithContext(ContextWithLogger(context.Background(), logger))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotMethod != http.MethodPatch || gotStatus != http.StatusTeapot {
		t.Fatalf("observed %s %d, want PATCH 418", gotMethod, gotStatus)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["path"] != "/api/settings" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestWithRequestLogDefaultsToOKAndFlushes(t *testing.T) {
	var gotStatus int
	h := WithRequestLog(func(_ string, status int, _ time.Duration) { gotStatus = status },
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if _, ok := w.(http.Flusher); !ok {
				t.Fatalf("recorder should expose http.Flusher")
			}
			_, _ = w.Write([]byte("data: x\n\n"))
			w.(http.Flusher).Flush()
		}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/events", nil))
	if gotStatus != http.StatusOK || !rec.Flushed {
		t.Fatalf("status = %d flushed = %v, want 200 true", gotStatus, rec.Flushed)
	}
}
