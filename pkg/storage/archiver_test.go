package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = buf.Bytes()
	m.types[key] = contentType
	m.mu.Unlock()
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.local/" + key + "?expires=" + expiry.String(), nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func TestArchiveVideoStoresUnderPostKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	objects := newMemObjects()
	a := NewArchiver(objects, WithPresignExpiry(time.Minute))
	key, err := a.ArchiveVideo(context.Background(), "post-1", "vid-1", srv.URL+"/v.mp4")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if key != "videos/post-1/vid-1.mp4" {
		t.Fatalf("key = %q", key)
	}
	if string(objects.objects[key]) != "mp4-bytes" {
		t.Fatalf("stored = %q", objects.objects[key])
	}
	if objects.types[key] != "video/mp4" {
		t.Fatalf("content type = %q, want video/mp4", objects.types[key])
	}

	url, err := a.URL(context.Background(), key)
	if err != nil || url != "https://objects.local/videos/post-1/vid-1.mp4?expires=1m0s" {
		t.Fatalf("url = %q err=%v", url, err)
	}
	if err := a.Remove(context.Background(), key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := objects.objects[key]; ok {
		t.Fatalf("object not removed")
	}
}

func TestArchiveVideoFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	objects := newMemObjects()
	if _, err := NewArchiver(objects).ArchiveVideo(context.Background(), "p", "v", srv.URL); err == nil {
		t.Fatalf("expected error on 410")
	}
	if len(objects.objects) != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestArchiveVideoRejectsOversized(t *testing.T) {
	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1073741824")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		}))
		defer srv.Close()

		_, err := NewArchiver(newMemObjects()).ArchiveVideo(context.Background(), "p", "v", srv.URL)
		if !errors.Is(err, ErrVideoTooLarge) {
			t.Fatalf("err = %v, want ErrVideoTooLarge", err)
		}
	})

	t.Run("chunked body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp4")
			chunk := bytes.Repeat([]byte("x"), 16)
			for i := 0; i < 8; i++ {
				_, _ = w.Write(chunk)
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		objects := newMemObjects()
		_, err := NewArchiver(objects, WithMaxBytes(64)).ArchiveVideo(context.Background(), "p", "v", srv.URL)
		if !errors.Is(err, ErrVideoTooLarge) {
			t.Fatalf("err = %v, want ErrVideoTooLarge", err)
		}
		if len(objects.objects) != 0 {
			t.Fatalf("stored %d objects, want 0", len(objects.objects))
		}
	})

	t.Run("chunked body at limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i < 4; i++ {
				_, _ = w.Write(bytes.Repeat([]byte("x"), 16))
				w.(http.Flusher).Flush()
			}
		}))
		defer srv.Close()

		objects := newMemObjects()
		key, err := NewArchiver(objects, WithMaxBytes(64)).ArchiveVideo(context.Background(), "p", "v", srv.URL)
		if err != nil {
			t.Fatalf("archive: %v", err)
		}
		if got := len(objects.objects[key]); got != 64 {
			t.Fatalf("stored %d bytes, want 64", got)
		}
	})
}
