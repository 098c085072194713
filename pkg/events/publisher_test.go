package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/albinc92/grok-bud/pkg/domain"
)

func TestJobEnvelope(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	job := domain.VideoJob{ID: "req-1", PostID: "p1", Status: domain.JobDone, VideoURL: "https://vid/1.mp4"}
	env := NewJobEnvelope(job, now)
	if env.Type != "video_job.done" {
		t.Fatalf("type = %q, want video_job.done", env.Type)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		CorrelationID string          `json:"correlationId"`
		Payload       domain.VideoJob `json:"payload"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.CorrelationID != "req-1" || decoded.Payload.VideoURL != job.VideoURL {
		t.Fatalf("unexpected envelope: %s", raw)
	}
}

type recordingPublisher struct {
	jobs []domain.VideoJob
	err  error
}

func (r *recordingPublisher) PublishJob(_ context.Context, job domain.VideoJob) error {
	r.jobs = append(r.jobs, job)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestJobListenerSwallowsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	listener := JobListener(pub, time.Second, nil)
	listener(domain.VideoJob{ID: "j1", Status: domain.JobError})
	if len(pub.jobs) != 1 || RoutingKey(pub.jobs[0]) != "video_job.error" {
		t.Fatalf("unexpected published jobs: %+v", pub.jobs)
	}
}
