package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/imagemeta"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/storage"
)

type searchRequest struct {
	Text string `json:"text,omitempty"`
	// Images are base64-encoded image files (jpeg, png, gif, bmp, tiff, webp).
	Images []string `json:"images,omitempty"`
	// ImagePaths are optional originals of the uploaded images, recorded in
	// search history.
	ImagePaths []string `json:"image_paths,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && len(req.Images) == 0 {
		s.respondError(w, http.StatusBadRequest, "text or images required")
		return
	}

	images, err := decodeImages(req.Images)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request",
		zap.String("profile", profileID),
		zap.String("text", req.Text),
		zap.Int("images", len(images)),
		zap.Int("limit", req.Limit))

	var response *models.SearchResponse
	switch {
	case req.Text != "" && len(images) > 0:
		response, err = s.engine.SearchCombined(r.Context(), profileID, req.Text, images, req.Limit)
	case len(images) > 0:
		response, err = s.engine.SearchImages(r.Context(), profileID, images, req.Limit)
	default:
		response, err = s.engine.SearchText(r.Context(), profileID, req.Text, req.Limit)
	}
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.recordSession(r, profileID, &req, response)
	s.respondJSON(w, http.StatusOK, response)
}

// recordSession adds the query to the profile's search history. History is
// best effort; failures never fail the search.
func (s *Server) recordSession(r *http.Request, profileID string, req *searchRequest, response *models.SearchResponse) {
	if s.sessions == nil {
		return
	}
	paths := req.ImagePaths
	for len(paths) < len(req.Images) {
		paths = append(paths, fmt.Sprintf("upload-%d", len(paths)+1))
	}
	resultIDs := make([]string, 0, len(response.Results))
	for _, res := range response.Results {
		resultIDs = append(resultIDs, res.Image.ID)
	}
	query := models.NewSearchQuery(req.Text, paths)
	if _, err := s.sessions.Record(r.Context(), profileID, query, resultIDs); err != nil {
		s.logger.Warn("failed to record session", zap.Error(err))
	}
}

func decodeImages(encoded []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(encoded))
	for i, enc := range encoded {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("image %d is not valid base64", i)
		}
		img, err := imagemeta.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("image %d could not be decoded", i)
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	imageID := chi.URLParam(r, "imageID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	response, err := s.engine.Related(r.Context(), profileID, imageID, limit)
	if err != nil {
		s.logger.Error("related search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	force := r.URL.Query().Get("force") == "true"
	s.logger.Debug("index request", zap.String("profile", profileID), zap.Bool("force", force))

	result, err := s.indexer.Index(r.Context(), profileID, force)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		s.logger.Error("indexing failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	s.respondJSON(w, http.StatusOK, s.indexer.Status(profileID))
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.storage.ListProfiles(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if profiles == nil {
		profiles = []*models.Profile{}
	}
	s.respondJSON(w, http.StatusOK, profiles)
}

type profileRequest struct {
	Name     string                  `json:"name"`
	Avatar   string                  `json:"avatar,omitempty"`
	Settings *models.ProfileSettings `json:"settings,omitempty"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	settings := models.DefaultProfileSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	profile := &models.Profile{
		ID:       uuid.New().String(),
		Name:     req.Name,
		Avatar:   req.Avatar,
		Settings: settings,
	}
	if err := s.storage.CreateProfile(r.Context(), profile); err != nil {
		s.logger.Error("profile creation failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.watchProfileFolders(profile)
	s.respondJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	profile, err := s.storage.GetProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	_ = s.storage.TouchProfile(r.Context(), id)
	s.respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	profile, err := s.storage.GetProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		profile.Name = req.Name
	}
	if req.Avatar != "" {
		profile.Avatar = req.Avatar
	}
	if req.Settings != nil {
		profile.Settings = *req.Settings
	}
	if err := s.storage.UpdateProfile(r.Context(), profile); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.watchProfileFolders(profile)
	s.respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	s.logger.Debug("delete profile request", zap.String("id", id))
	if err := s.storage.DeleteProfile(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "profile not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.watch != nil {
		s.watch.UnwatchProfile(id)
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	profile, err := s.storage.GetProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	s.respondJSON(w, http.StatusOK, profile.Settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	profile, err := s.storage.GetProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "profile not found")
		return
	}
	var settings models.ProfileSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := models.ParseTier(string(settings.ModelTier)); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile.Settings = settings
	if err := s.storage.UpdateProfile(r.Context(), profile); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.watchProfileFolders(profile)
	s.respondJSON(w, http.StatusOK, profile.Settings)
}

// watchProfileFolders refreshes the folder watcher after settings changes.
func (s *Server) watchProfileFolders(profile *models.Profile) {
	if s.watch == nil {
		return
	}
	if err := s.watch.WatchProfile(profile.ID, profile.Settings.MonitoredFolders); err != nil {
		s.logger.Warn("failed to update folder watches",
			zap.String("profile", profile.ID),
			zap.Error(err))
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	filter := r.URL.Query().Get("filter")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	sessions, err := s.storage.ListSessions(r.Context(), profileID, filter, offset, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.storage.GetSession(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	profileCount, err := s.storage.CountProfiles(ctx)
	if err != nil {
		s.logger.Error("status: count profiles failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"profiles": profileCount,
	}
	configInfo := map[string]interface{}{
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"database_path":        s.config.Storage.DatabasePath,
		"index_dir":            s.config.Storage.IndexDir,
		"watch_enabled":        s.config.Indexing.WatchEnabledOrDefault(),
		"interval_minutes":     s.config.Indexing.IntervalMinutes,
	}
	diskBytes, err := storage.DiskUsageBytes(
		s.config.Storage.DatabasePath,
		s.config.Storage.IndexDir,
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
