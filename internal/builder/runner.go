package builder

import (
	"context"
	"io"
)

// BaseImage is a resolved base: the starting point of a layer chain.
type BaseImage struct {
	ImageID     string
	Entrypoint  []string
	Cmd         []string
	DefaultUser string // user configured in the base image, "" means root
}

// RunResult is the ephemeral outcome of executing one filesystem-
// mutating directive. The diff archive outlives it as the layer's
// content; everything else is diagnostics.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Diff is the filesystem delta produced by the directive.
	Diff io.ReadCloser

	// ImageID is the daemon-side image materializing the chain after
	// this directive.
	ImageID string
}

// Runner executes individual directives against an image store and
// daemon. The production implementation is DockerRunner; tests use an
// in-memory fake.
type Runner interface {
	// ResolveBase resolves a base image reference, pulling it if the
	// runner is configured to. Fails with BASE_NOT_FOUND when the ref
	// does not resolve.
	ResolveBase(ctx context.Context, ref string) (*BaseImage, error)

	// Run executes cmdline in a transient container on top of imageID
	// as user. Fails with COMMAND_FAILED on non-zero exit or timeout.
	Run(ctx context.Context, imageID, user, cmdline string) (*RunResult, error)

	// CopyFile layers the local file srcPath onto imageID at destPath
	// with deterministic metadata.
	CopyFile(ctx context.Context, imageID, srcPath, destPath string) (*RunResult, error)

	// LookupUser fails with UNKNOWN_USER unless identity exists in
	// imageID's user database. Numeric identities always pass.
	LookupUser(ctx context.Context, imageID, identity string) error

	// ImageExists reports whether imageID is still present in the image
	// store. Cached layers record daemon image ids; a pruned id makes
	// the cache entry unusable.
	ImageExists(ctx context.Context, imageID string) (bool, error)
}
