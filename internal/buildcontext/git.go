package buildcontext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// GitSource clones repositories to serve as build contexts.
type GitSource struct {
	logger   *zap.Logger
	cloneDir string // Base directory for cloning repos
}

// NewGitSource creates a new git context source.
func NewGitSource(logger *zap.Logger, cloneDir string) *GitSource {
	return &GitSource{
		logger:   logger,
		cloneDir: cloneDir,
	}
}

// CloneOptions represents options for cloning a repository
type CloneOptions struct {
	RepoURL string
	Branch  string
}

// Clone performs a shallow clone of a public repository and opens the
// checkout as a build context. The caller owns the returned directory
// and removes it when the build finishes.
func (s *GitSource) Clone(ctx context.Context, opts CloneOptions) (*Context, string, error) {
	dir, err := os.MkdirTemp(s.cloneDir, "context-*")
	if err != nil {
		return nil, "", fmt.Errorf("creating clone directory: %w", err)
	}

	cloneOpts := &git.CloneOptions{
		URL:          opts.RepoURL,
		Depth:        1,
		SingleBranch: true,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}

	s.logger.Info("Cloning build context",
		zap.String("repo_url", opts.RepoURL),
		zap.String("branch", opts.Branch),
		zap.String("dir", dir),
	)

	repo, err := git.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", fmt.Errorf("cloning %s: %w", opts.RepoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", fmt.Errorf("reading HEAD of %s: %w", opts.RepoURL, err)
	}

	bctx, err := New(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}

	s.logger.Info("Build context cloned",
		zap.String("repo_url", opts.RepoURL),
		zap.String("commit_sha", head.Hash().String()),
	)

	return bctx, head.Hash().String(), nil
}

// Cleanup removes a cloned context directory. Paths outside the clone
// base are refused.
func (s *GitSource) Cleanup(bctx *Context) error {
	base, err := filepath.Abs(s.cloneDir)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(bctx.Root(), base+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: outside clone base %s", bctx.Root(), base)
	}
	return os.RemoveAll(bctx.Root())
}
