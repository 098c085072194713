package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	videoContentType     = "video/mp4"
	defaultPresignExpiry = 15 * time.Minute
	maxVideoBytes        = 512 << 20
)

var ErrVideoTooLarge = errors.New("video exceeds archive size limit")

// Archiver copies finished videos from expiring provider URLs into object
// storage under videos/<postId>/<videoId>.mp4.
type Archiver struct {
	objects       ObjectStore
	httpClient    *http.Client
	presignExpiry time.Duration
	maxBytes      int64
	logger        *slog.Logger
}

type ArchiverOption func(*Archiver)

func WithHTTPClient(hc *http.Client) ArchiverOption {
	return func(a *Archiver) {
		if hc != nil {
			a.httpClient = hc
		}
	}
}

func WithPresignExpiry(d time.Duration) ArchiverOption {
	return func(a *Archiver) {
		if d > 0 {
			a.presignExpiry = d
		}
	}
}

// WithMaxBytes caps the size of an archived video.
func WithMaxBytes(n int64) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.maxBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) ArchiverOption {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewArchiver(objects ObjectStore, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		objects:       objects,
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
		presignExpiry: defaultPresignExpiry,
		maxBytes:      maxVideoBytes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// VideoKey returns the object key for one archived video.
func VideoKey(postID, videoID string) string {
	return path.Join("videos", postID, videoID+".mp4")
}

// ArchiveVideo downloads sourceURL and stores it, returning the object key.
func (a *Archiver) ArchiveVideo(ctx context.Context, postID, videoID, sourceURL string) (string, error) {
	if strings.TrimSpace(postID) == "" || strings.TrimSpace(videoID) == "" {
		return "", fmt.Errorf("post id and video id required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download video: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > a.maxBytes {
		return "", ErrVideoTooLarge
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = videoContentType
	}
	key := VideoKey(postID, videoID)
	// Chunked responses carry no length, so the cap is enforced while reading.
	body := &cappedReader{r: resp.Body, left: a.maxBytes}
	err = a.objects.Put(ctx, key, body, resp.ContentLength, contentType)
	if body.exceeded {
		if derr := a.objects.Delete(context.WithoutCancel(ctx), key); derr != nil {
			a.logger.Warn("remove oversized video failed", "key", key, "err", derr)
		}
		return "", ErrVideoTooLarge
	}
	if err != nil {
		return "", err
	}
	a.logger.Info("video archived", "post_id", postID, "video_id", videoID, "key", key)
	return key, nil
}

// URL returns a short-lived download URL for an archived video.
func (a *Archiver) URL(ctx context.Context, key string) (string, error) {
	return a.objects.PresignGet(ctx, key, a.presignExpiry)
}

// Remove deletes an archived video.
func (a *Archiver) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return a.objects.Delete(ctx, key)
}

// cappedReader fails with ErrVideoTooLarge once more than left bytes arrive.
type cappedReader struct {
	r        io.Reader
	left     int64
	exceeded bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, ErrVideoTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	if int64(n) > c.left {
		c.exceeded = true
		return 0, ErrVideoTooLarge
	}
	c.left -= int64(n)
	return n, err
}
