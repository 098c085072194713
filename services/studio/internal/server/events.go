package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/albinc92/grok-bud/internal/util"
	"github.com/albinc92/grok-bud/pkg/domain"
)

// handleJobEvents streams terminal video job transitions as server-sent
// events until the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	logger := util.LoggerFromContext(r.Context())
	updates := make(chan domain.VideoJob, 16)
	unsubscribe := s.app.OnJobUpdate(func(job domain.VideoJob) {
		select {
		case updates <- job:
		default:
			logger.Warn("job event dropped for slow client", "job_id", job.ID)
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case job := <-updates:
			data, err := json.Marshal(job)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: video_job\ndata: %s\n\n", job.ID, data); err != nil {
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
