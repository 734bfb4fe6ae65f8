package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"layerforge/internal/buildcontext"
	"layerforge/internal/builder"
	"layerforge/internal/directive"
	"layerforge/internal/domain"
	"layerforge/internal/store"
)

// TaskHandler executes queued builds.
type TaskHandler struct {
	logger   *zap.Logger
	builds   *store.BuildRepo
	executor *builder.Executor
	git      *buildcontext.GitSource
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(logger *zap.Logger, builds *store.BuildRepo, executor *builder.Executor, git *buildcontext.GitSource) *TaskHandler {
	return &TaskHandler{
		logger:   logger,
		builds:   builds,
		executor: executor,
		git:      git,
	}
}

// HandleImageBuild runs one queued build end to end: prepare the
// context, parse the build file, fold the directives, persist the
// outcome. The task itself never retries; failures are recorded with
// their error kind and surfaced through the build record.
func (h *TaskHandler) HandleImageBuild(ctx context.Context, t *asynq.Task) error {
	var payload ImageBuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image build payload: %w", err)
	}

	logger := h.logger.With(zap.String("build_id", payload.BuildID))
	logger.Info("Starting image build",
		zap.String("source_type", payload.SourceType),
		zap.String("build_file", payload.BuildFile),
	)

	bctx, commitSHA, err := h.prepareContext(ctx, payload)
	if err != nil {
		logger.Error("Failed to prepare build context", zap.Error(err))
		h.builds.MarkFailed(ctx, payload.BuildID, domain.ErrorCode(err), err.Error(), "")
		return nil
	}
	if payload.SourceType == store.SourceGit {
		defer func() {
			if err := h.git.Cleanup(bctx); err != nil {
				logger.Warn("Failed to clean up cloned context", zap.Error(err))
			}
		}()
	}

	if err := h.builds.MarkRunning(ctx, payload.BuildID, commitSHA); err != nil {
		return fmt.Errorf("failed to mark build running: %w", err)
	}

	directives, err := h.parseBuildFile(bctx, payload.BuildFile)
	if err != nil {
		logger.Error("Failed to parse build file", zap.Error(err))
		h.builds.MarkFailed(ctx, payload.BuildID, domain.ErrorCode(err), err.Error(), "")
		return nil
	}

	res, err := h.executor.Build(ctx, directives, bctx, nil)
	if err != nil {
		logger.Error("Build failed", zap.Error(err))
		var buildLog string
		var be *domain.BuildError
		if errors.As(err, &be) {
			buildLog = be.Stdout + be.Stderr
		}
		h.builds.MarkFailed(ctx, payload.BuildID, domain.ErrorCode(err), err.Error(), buildLog)
		return nil
	}

	if err := h.builds.MarkSucceeded(ctx, payload.BuildID,
		string(res.Manifest.ImageID), res.Manifest.DefaultUser, res.Log); err != nil {
		return fmt.Errorf("failed to record build result: %w", err)
	}

	logger.Info("Image build finished",
		zap.String("image_digest", string(res.Manifest.ImageID)),
		zap.Int("layers", len(res.Manifest.Layers)),
		zap.Int("cache_hits", res.CacheHits),
	)
	return nil
}

func (h *TaskHandler) prepareContext(ctx context.Context, payload ImageBuildPayload) (*buildcontext.Context, string, error) {
	switch payload.SourceType {
	case store.SourceGit:
		return h.git.Clone(ctx, buildcontext.CloneOptions{
			RepoURL: payload.RepoURL,
			Branch:  payload.Branch,
		})
	case store.SourceDirectory:
		bctx, err := buildcontext.New(payload.ContextPath)
		return bctx, "", err
	}
	return nil, "", fmt.Errorf("unknown context source type %q", payload.SourceType)
}

// parseBuildFile resolves the directive file through the context so a
// malicious build file path cannot read outside it.
func (h *TaskHandler) parseBuildFile(bctx *buildcontext.Context, name string) ([]directive.Directive, error) {
	if name == "" {
		name = "Buildfile"
	}
	path, err := bctx.Resolve(name)
	if err != nil {
		return nil, err
	}
	return directive.ParseFile(path)
}
