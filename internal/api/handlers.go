package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"layerforge/internal/cache"
	"layerforge/internal/domain"
	"layerforge/internal/store"
	"layerforge/internal/tasks"
)

// Handlers carries the dependencies of the HTTP surface.
type Handlers struct {
	logger       *zap.Logger
	builds       *store.BuildRepo
	layers       *cache.Store
	taskClient   *tasks.TaskClient
	jwtService   *JWTService
	adminKeyHash string
	jwtExpiry    int
}

// NewHandlers creates the API handler set.
func NewHandlers(logger *zap.Logger, builds *store.BuildRepo, layers *cache.Store, taskClient *tasks.TaskClient, jwtService *JWTService, adminKeyHash string, jwtExpiry int) *Handlers {
	return &Handlers{
		logger:       logger,
		builds:       builds,
		layers:       layers,
		taskClient:   taskClient,
		jwtService:   jwtService,
		adminKeyHash: adminKeyHash,
		jwtExpiry:    jwtExpiry,
	}
}

type tokenRequest struct {
	Subject  string `json:"subject" validate:"required,min=1,max=128"`
	AdminKey string `json:"admin_key" validate:"required"`
}

// IssueToken exchanges the admin API key for a bearer token.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid JSON body")
		return
	}
	if !ValidateRequest(h.logger, w, r, &req) {
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.adminKeyHash), []byte(req.AdminKey)); err != nil {
		h.logger.Warn("Admin key rejected", zap.String("subject", req.Subject))
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "Invalid admin key")
		return
	}

	token, err := h.jwtService.GenerateToken(req.Subject, h.jwtExpiry)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to generate token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": h.jwtExpiry,
	})
}

type createBuildRequest struct {
	SourceType  string `json:"source_type" validate:"required,oneof=directory git"`
	ContextPath string `json:"context_path" validate:"required_if=SourceType directory"`
	RepoURL     string `json:"repo_url" validate:"required_if=SourceType git,omitempty,url"`
	Branch      string `json:"branch"`
	BuildFile   string `json:"build_file"`
}

// CreateBuild validates a build request, records it, and enqueues it.
func (h *Handlers) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid JSON body")
		return
	}
	if !ValidateRequest(h.logger, w, r, &req) {
		return
	}
	if req.BuildFile == "" {
		req.BuildFile = "Buildfile"
	}

	record := &store.BuildRecord{
		SourceType:  req.SourceType,
		ContextPath: req.ContextPath,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		BuildFile:   req.BuildFile,
		RequestedBy: domain.Subject(r.Context()),
	}
	id, err := h.builds.CreateBuild(r.Context(), record)
	if err != nil {
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to record build")
		return
	}

	_, err = h.taskClient.EnqueueImageBuild(tasks.ImageBuildPayload{
		BuildID:     id,
		SourceType:  req.SourceType,
		ContextPath: req.ContextPath,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		BuildFile:   req.BuildFile,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue build", zap.Error(err), zap.String("build_id", id))
		h.builds.MarkFailed(r.Context(), id, domain.ErrCodeInternal, "failed to enqueue build", "")
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to enqueue build")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"build_id": id,
		"status":   store.StatusQueued,
	})
}

// GetBuild returns one build record.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	build, err := h.builds.GetBuild(r.Context(), id)
	if err != nil {
		if domain.ErrorCode(err) == domain.ErrCodeNotFound {
			respondError(w, http.StatusNotFound, domain.ErrCodeNotFound, "Build not found")
			return
		}
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to load build")
		return
	}
	respondJSON(w, http.StatusOK, build)
}

// ListBuilds returns recent builds.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := h.builds.ListBuilds(r.Context(), 50, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to list builds")
		return
	}
	if builds == nil {
		builds = []store.BuildRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

// GetBuildLog returns the captured log of one build as plain text.
func (h *Handlers) GetBuildLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := h.builds.GetBuildLog(r.Context(), id)
	if err != nil {
		if domain.ErrorCode(err) == domain.ErrCodeNotFound {
			respondError(w, http.StatusNotFound, domain.ErrCodeNotFound, "Build not found")
			return
		}
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to load build log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log))
}

// GetImage returns the stored manifest for an image digest.
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "digest")
	d, err := digest.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid image digest")
		return
	}

	manifest, err := h.layers.GetManifest(d)
	if err != nil {
		if domain.ErrorCode(err) == domain.ErrCodeNotFound {
			respondError(w, http.StatusNotFound, domain.ErrCodeNotFound, "Image not found")
			return
		}
		h.logger.Error("Failed to load manifest", zap.Error(err), zap.String("digest", raw))
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to load manifest")
		return
	}
	respondJSON(w, http.StatusOK, manifest)
}

// GetLayerDiff streams the stored diff archive of a cached layer.
func (h *Handlers) GetLayerDiff(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "digest")
	d, err := digest.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid layer digest")
		return
	}

	diff, err := h.layers.Diff(d)
	if err != nil {
		if domain.ErrorCode(err) == domain.ErrCodeNotFound {
			respondError(w, http.StatusNotFound, domain.ErrCodeNotFound, "Layer diff not found")
			return
		}
		h.logger.Error("Failed to open layer diff", zap.Error(err), zap.String("digest", raw))
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternal, "Failed to open layer diff")
		return
	}
	defer diff.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	if _, err := io.Copy(w, diff); err != nil {
		h.logger.Warn("Failed to stream layer diff", zap.Error(err), zap.String("digest", raw))
	}
}

// Healthz is the liveness endpoint.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
