package localstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/usage"
)

func newPost(id string, created time.Time) domain.FavoritePost {
	return domain.FavoritePost{
		ID:        id,
		Type:      domain.PostImage,
		Prompt:    "prompt " + id,
		ImageURL:  "https://img/" + id + ".png",
		Model:     domain.DefaultImageModel,
		CreatedAt: created,
	}
}

func TestLoadMissingStateReturnsDefaults(t *testing.T) {
	s := New(NewMemoryKV())
	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.SelectedModel != domain.DefaultModel || state.ImageCount != 1 || state.GalleryColumns != 3 {
		t.Fatalf("unexpected defaults: %+v", state.Settings)
	}
	if state.Favorites == nil || state.VideoJobs == nil || state.Usage.History == nil {
		t.Fatalf("expected non-nil collections")
	}
}

func TestLoadCorruptStateFails(t *testing.T) {
	kv := NewMemoryKV()
	_ = kv.Set(context.Background(), StateKey, []byte("{not json"))
	s := New(kv)
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("err = %v, want ErrCorruptState", err)
	}
	if err := s.AddFavorite(context.Background(), newPost("p1", time.Now())); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("add on corrupt state err = %v, want ErrCorruptState", err)
	}
	raw, _, _ := kv.Get(context.Background(), StateKey)
	if string(raw) != "{not json" {
		t.Fatalf("corrupt blob was overwritten: %q", raw)
	}
}

func TestPatchMergesFieldByField(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	key := "xai-123"
	if _, err := s.Patch(ctx, StatePatch{APIKey: &key}); err != nil {
		t.Fatalf("patch key: %v", err)
	}
	cols := 5
	state, err := s.Patch(ctx, StatePatch{GalleryColumns: &cols})
	if err != nil {
		t.Fatalf("patch cols: %v", err)
	}
	if state.APIKey != key || state.GalleryColumns != 5 || state.SelectedModel != domain.DefaultModel {
		t.Fatalf("unexpected settings after patch: %+v", state.Settings)
	}
}

func TestFavoritesNetEffect(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := s.AddFavorite(ctx, newPost(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := s.RemoveFavorite(ctx, "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	updated, err := s.UpdateFavorite(ctx, "p2", func(p *domain.FavoritePost) error {
		p.Tags = []string{"sunset"}
		p.Type = domain.PostChat
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Type != domain.PostImage {
		t.Fatalf("type changed to %s", updated.Type)
	}
	// Re-adding an existing id replaces in place.
	replacement := newPost("p0", base)
	replacement.Prompt = "replaced"
	if err := s.AddFavorite(ctx, replacement); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	favs, err := s.Favorites(ctx)
	if err != nil {
		t.Fatalf("favorites: %v", err)
	}
	var ids []string
	for _, f := range favs {
		ids = append(ids, f.ID)
	}
	want := []string{"p3", "p2", "p0"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if !favs[1].HasTag("sunset") {
		t.Fatalf("expected tag on p2")
	}
	if favs[2].Prompt != "replaced" {
		t.Fatalf("prompt = %q, want replaced", favs[2].Prompt)
	}
	if _, err := s.UpdateFavorite(ctx, "missing", func(*domain.FavoritePost) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRemoveFavoriteCascadesJobs(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	_ = s.AddFavorite(ctx, newPost("p1", time.Now()))
	_ = s.AddFavorite(ctx, newPost("p2", time.Now()))
	if _, err := s.SaveJob(ctx, domain.VideoJob{ID: "j1", PostID: "p1", Status: domain.JobPending}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if _, err := s.SaveJob(ctx, domain.VideoJob{ID: "j2", PostID: "p2", Status: domain.JobPending}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	current := "p1"
	_, _ = s.Patch(ctx, StatePatch{CurrentPostID: &current})

	found, err := s.RemoveFavorite(ctx, "p1")
	if err != nil || !found {
		t.Fatalf("remove: found=%v err=%v", found, err)
	}
	if _, ok, _ := s.JobForPost(ctx, "p1"); ok {
		t.Fatalf("job for deleted post survived")
	}
	if _, ok, _ := s.JobForPost(ctx, "p2"); !ok {
		t.Fatalf("unrelated job removed")
	}
	state, _ := s.Load(ctx)
	if state.CurrentPostID != "" {
		t.Fatalf("currentPostId = %q, want cleared", state.CurrentPostID)
	}
}

func TestSaveJobSupersedesAndTrims(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	if _, err := s.SaveJob(ctx, domain.VideoJob{ID: "old", PostID: "p1", Status: domain.JobPending}); err != nil {
		t.Fatalf("save: %v", err)
	}
	superseded, err := s.SaveJob(ctx, domain.VideoJob{ID: "new", PostID: "p1", Status: domain.JobPending})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(superseded) != 1 || superseded[0].ID != "old" {
		t.Fatalf("superseded = %+v", superseded)
	}
	job, ok, _ := s.JobForPost(ctx, "p1")
	if !ok || job.ID != "new" {
		t.Fatalf("job for post = %+v ok=%v", job, ok)
	}

	for i := 0; i < domain.MaxJobRecords+5; i++ {
		if _, err := s.SaveJob(ctx, domain.VideoJob{ID: fmt.Sprintf("j%d", i), PostID: fmt.Sprintf("post%d", i), Status: domain.JobDone}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	state, _ := s.Load(ctx)
	if len(state.VideoJobs) != domain.MaxJobRecords {
		t.Fatalf("jobs = %d, want %d", len(state.VideoJobs), domain.MaxJobRecords)
	}
	if state.VideoJobs[0].ID != "j5" {
		t.Fatalf("oldest retained = %s, want j5", state.VideoJobs[0].ID)
	}
	pending, _ := s.PendingJobs(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0 after trim", len(pending))
	}
}

func TestUpdateJobKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	_, _ = s.SaveJob(ctx, domain.VideoJob{ID: "j1", PostID: "p1", Status: domain.JobPending})
	job, err := s.UpdateJob(ctx, "j1", func(j *domain.VideoJob) error {
		j.Status = domain.JobDone
		j.PostID = "other"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.Status != domain.JobDone || job.PostID != "p1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if err := s.RemoveJob(ctx, "j1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.Job(ctx, "j1"); ok {
		t.Fatalf("job still present")
	}
}

func TestAttachJobVideoRequiresPendingJob(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	if err := s.AddFavorite(ctx, domain.FavoritePost{ID: "p1", Type: domain.PostImage}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, _ = s.SaveJob(ctx, domain.VideoJob{ID: "j1", PostID: "p1", Status: domain.JobPending})

	post, err := s.AttachJobVideo(ctx, "j1", domain.PostVideo{ID: "v1"})
	if err != nil || len(post.Videos) != 1 {
		t.Fatalf("attach: %+v err=%v", post, err)
	}

	// A newer job for the same post replaces j1.
	_, _ = s.SaveJob(ctx, domain.VideoJob{ID: "j2", PostID: "p1", Status: domain.JobPending})
	if _, err := s.AttachJobVideo(ctx, "j1", domain.PostVideo{ID: "v2"}); !errors.Is(err, ErrJobNotPending) {
		t.Fatalf("superseded attach err = %v, want ErrJobNotPending", err)
	}
	_, _ = s.UpdateJob(ctx, "j2", func(j *domain.VideoJob) error {
		j.Status = domain.JobError
		return nil
	})
	if _, err := s.AttachJobVideo(ctx, "j2", domain.PostVideo{ID: "v3"}); !errors.Is(err, ErrJobNotPending) {
		t.Fatalf("finished attach err = %v, want ErrJobNotPending", err)
	}

	_, _ = s.SaveJob(ctx, domain.VideoJob{ID: "j3", PostID: "gone", Status: domain.JobPending})
	if _, err := s.AttachJobVideo(ctx, "j3", domain.PostVideo{ID: "v4"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing post err = %v, want ErrNotFound", err)
	}

	got, _, _ := s.Favorite(ctx, "p1")
	if len(got.Videos) != 1 || got.Videos[0].ID != "v1" {
		t.Fatalf("videos = %+v, want only v1", got.Videos)
	}
}

func TestRecordAndResetUsage(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	now := time.Now()
	stats, err := s.RecordUsage(ctx, usage.ChatRecord("grok-3-mini", 1000, 500, now))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if stats.TotalTokens != 1500 || len(stats.History) != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := s.ResetUsage(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stats, _ = s.Usage(ctx)
	if stats.TotalTokens != 0 || len(stats.History) != 0 {
		t.Fatalf("usage not reset: %+v", stats)
	}
}

func TestImageGenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV())
	empty, err := s.ImageGen(ctx)
	if err != nil || empty.Prompt != "" || empty.SavedURLs == nil {
		t.Fatalf("empty image state: %+v err=%v", empty, err)
	}
	in := domain.ImageGenState{
		Prompt:    "a fox",
		Results:   []domain.GeneratedImage{{URL: "https://img/1.png"}},
		SavedURLs: []string{"https://img/1.png"},
	}
	if err := s.SaveImageGen(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.ImageGen(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Prompt != "a fox" || len(out.Results) != 1 || len(out.SavedURLs) != 1 {
		t.Fatalf("unexpected image state: %+v", out)
	}
}

func TestSQLiteKVPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	kv, err := OpenSQLiteKV(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(kv)
	if err := s.AddFavorite(ctx, newPost("p1", time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	kv, err = OpenSQLiteKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	if _, ok, err := New(kv).Favorite(ctx, "p1"); err != nil || !ok {
		t.Fatalf("favorite after reopen: ok=%v err=%v", ok, err)
	}
	if err := kv.Delete(ctx, StateKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, StateKey); ok {
		t.Fatalf("expected key deleted")
	}
}

func TestRedisKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	kv := NewRedisKV(mr.Addr(), "", "test:")
	defer kv.Close()

	if _, ok, err := kv.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:k") {
		t.Fatalf("expected prefixed key in redis")
	}
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("test:k") {
		t.Fatalf("expected key removed")
	}
}
