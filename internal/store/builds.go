package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"layerforge/internal/domain"
)

// Build statuses
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Context source types
const (
	SourceDirectory = "directory"
	SourceGit       = "git"
)

// BuildRecord is one row of build history.
type BuildRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	SourceType   string     `json:"source_type"`
	ContextPath  string     `json:"context_path,omitempty"`
	RepoURL      string     `json:"repo_url,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	CommitSHA    string     `json:"commit_sha,omitempty"`
	BuildFile    string     `json:"build_file"`
	RequestedBy  string     `json:"requested_by,omitempty"`
	ImageDigest  string     `json:"image_digest,omitempty"`
	DefaultUser  string     `json:"default_user,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// BuildRepo persists build records.
type BuildRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewBuildRepo creates a new build repository.
func NewBuildRepo(pool *pgxpool.Pool, logger *zap.Logger) *BuildRepo {
	return &BuildRepo{
		pool:   pool,
		logger: logger,
	}
}

const buildColumns = `id, status, source_type, COALESCE(context_path, ''), COALESCE(repo_url, ''),
	COALESCE(branch, ''), COALESCE(commit_sha, ''), build_file, COALESCE(requested_by, ''),
	COALESCE(image_digest, ''), COALESCE(default_user, ''), COALESCE(error_code, ''),
	COALESCE(error_message, ''), created_at, started_at, finished_at`

// CreateBuild inserts a queued build and returns its id.
func (r *BuildRepo) CreateBuild(ctx context.Context, b *BuildRecord) (string, error) {
	id := uuid.New().String()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO builds (id, status, source_type, context_path, repo_url, branch, build_file, requested_by)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''))`,
		id, StatusQueued, b.SourceType, b.ContextPath, b.RepoURL, b.Branch, b.BuildFile, b.RequestedBy,
	)
	if err != nil {
		r.logger.Error("Failed to create build record", zap.Error(err))
		return "", err
	}
	return id, nil
}

// MarkRunning transitions a build to running and records the resolved
// commit for git contexts.
func (r *BuildRepo) MarkRunning(ctx context.Context, id, commitSHA string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE builds SET status = $1, commit_sha = NULLIF($2, ''), started_at = NOW() WHERE id = $3`,
		StatusRunning, commitSHA, id,
	)
	if err != nil {
		r.logger.Error("Failed to mark build running", zap.Error(err), zap.String("build_id", id))
	}
	return err
}

// MarkSucceeded records a finished build and its manifest summary.
func (r *BuildRepo) MarkSucceeded(ctx context.Context, id, imageDigest, defaultUser, buildLog string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE builds SET status = $1, image_digest = $2, default_user = $3, build_log = $4, finished_at = NOW()
		 WHERE id = $5`,
		StatusSucceeded, imageDigest, defaultUser, buildLog, id,
	)
	if err != nil {
		r.logger.Error("Failed to mark build succeeded", zap.Error(err), zap.String("build_id", id))
	}
	return err
}

// MarkFailed records a failed build with its error kind and diagnostics.
func (r *BuildRepo) MarkFailed(ctx context.Context, id, errorCode, errorMessage, buildLog string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE builds SET status = $1, error_code = $2, error_message = $3, build_log = $4, finished_at = NOW()
		 WHERE id = $5`,
		StatusFailed, errorCode, errorMessage, buildLog, id,
	)
	if err != nil {
		r.logger.Error("Failed to mark build failed", zap.Error(err), zap.String("build_id", id))
	}
	return err
}

// GetBuild fetches one build record.
func (r *BuildRepo) GetBuild(ctx context.Context, id string) (*BuildRecord, error) {
	var b BuildRecord
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM builds WHERE id = $1`, buildColumns), id,
	).Scan(
		&b.ID, &b.Status, &b.SourceType, &b.ContextPath, &b.RepoURL,
		&b.Branch, &b.CommitSHA, &b.BuildFile, &b.RequestedBy,
		&b.ImageDigest, &b.DefaultUser, &b.ErrorCode,
		&b.ErrorMessage, &b.CreatedAt, &b.StartedAt, &b.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewBuildError(domain.ErrCodeNotFound,
				fmt.Sprintf("build %s not found", id))
		}
		r.logger.Error("Failed to get build", zap.Error(err), zap.String("build_id", id))
		return nil, err
	}
	return &b, nil
}

// GetBuildLog fetches the captured log of one build.
func (r *BuildRepo) GetBuildLog(ctx context.Context, id string) (string, error) {
	var log string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(build_log, '') FROM builds WHERE id = $1`, id,
	).Scan(&log)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NewBuildError(domain.ErrCodeNotFound,
				fmt.Sprintf("build %s not found", id))
		}
		return "", err
	}
	return log, nil
}

// ListBuilds returns recent builds, newest first.
func (r *BuildRepo) ListBuilds(ctx context.Context, limit, offset int) ([]BuildRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM builds ORDER BY created_at DESC LIMIT $1 OFFSET $2`, buildColumns),
		limit, offset,
	)
	if err != nil {
		r.logger.Error("Failed to list builds", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var builds []BuildRecord
	for rows.Next() {
		var b BuildRecord
		if err := rows.Scan(
			&b.ID, &b.Status, &b.SourceType, &b.ContextPath, &b.RepoURL,
			&b.Branch, &b.CommitSHA, &b.BuildFile, &b.RequestedBy,
			&b.ImageDigest, &b.DefaultUser, &b.ErrorCode,
			&b.ErrorMessage, &b.CreatedAt, &b.StartedAt, &b.FinishedAt,
		); err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
