package server

import (
	"net/http"
	"strings"

	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
	"github.com/albinc92/grok-bud/services/studio/internal/app"
)

// /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prefs, err := s.app.Preferences(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	case http.MethodPatch:
		var patch localstore.StatePatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		prefs, err := s.app.UpdatePreferences(r.Context(), patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	default:
		methodNotAllowed(w)
	}
}

// /api/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stats, err := s.app.Usage(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case http.MethodDelete:
		if err := s.app.ResetUsage(r.Context()); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ChatInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, "chat") {
		return
	}
	out, err := s.app.SendChat(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// /api/images
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ImageInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, "images") {
		return
	}
	st, err := s.app.GenerateImages(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// /api/images/session
func (s *Server) handleImageSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	st, err := s.app.ImageSession(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// /api/favorites
func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		posts, err := s.app.Favorites(r.Context(), app.FavoriteFilter{
			Type: domain.PostType(strings.TrimSpace(q.Get("type"))),
			Tag:  strings.TrimSpace(q.Get("tag")),
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"favorites": posts, "count": len(posts)})
	case http.MethodPost:
		var req app.SaveInput
		if !decodeJSON(w, r, &req) {
			return
		}
		post, err := s.app.SaveFavorite(r.Context(), req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, post)
	default:
		methodNotAllowed(w)
	}
}

// /api/favorites/{id}
func (s *Server) handleFavoriteByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		post, err := s.app.Favorite(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, post)
	case http.MethodPatch:
		var patch app.FavoritePatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		post, err := s.app.UpdateFavorite(r.Context(), id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, post)
	case http.MethodDelete:
		if err := s.app.DeleteFavorite(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// /api/favorites/{id}/job
func (s *Server) handleFavoriteJob(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.app.Job(r.Context(), r.PathValue("id"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.app.DismissJob(r.Context(), r.PathValue("id")); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// /api/favorites/{id}/videos
func (s *Server) handleStartVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.VideoInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, "videos") {
		return
	}
	job, err := s.app.StartVideo(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// /api/favorites/{id}/videos/{videoId}
func (s *Server) handleVideoByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.RemoveVideo(r.Context(), r.PathValue("id"), r.PathValue("videoId")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// /api/favorites/{id}/videos/{videoId}/star
func (s *Server) handleVideoStar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	video, err := s.app.ToggleVideoStar(r.Context(), r.PathValue("id"), r.PathValue("videoId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

// /api/favorites/{id}/videos/{videoId}/archive redirects to the archived copy.
func (s *Server) handleVideoArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.ArchivedVideoURL(r.Context(), r.PathValue("id"), r.PathValue("videoId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

type signInRequest struct {
	AccessToken string `json:"accessToken"`
}

// /api/session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		view, ok := s.app.Session()
		writeJSON(w, http.StatusOK, map[string]any{"signedIn": ok, "session": sessionOrNil(view, ok)})
	case http.MethodPost:
		var req signInRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		token := strings.TrimSpace(req.AccessToken)
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			writeError(w, http.StatusBadRequest, "accessToken is required")
			return
		}
		res, err := s.app.SignIn(r.Context(), token)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case http.MethodDelete:
		s.app.SignOut()
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// /api/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := s.app.Sync(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func sessionOrNil(view app.SessionView, ok bool) *app.SessionView {
	if !ok {
		return nil
	}
	return &view
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
