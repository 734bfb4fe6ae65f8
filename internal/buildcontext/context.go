package buildcontext

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"

	"layerforge/internal/domain"
)

// Context is the file tree COPY sources resolve against. It is
// read-only for the duration of a build.
type Context struct {
	root string
}

// New opens a build context rooted at dir.
func New(dir string) (*Context, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving context root: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("opening context root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("context root %s is not a directory", abs)
	}
	return &Context{root: abs}, nil
}

// Root returns the absolute context root.
func (c *Context) Root() string {
	return c.root
}

// Resolve maps a COPY source path to an absolute path inside the
// context root. Absolute sources and sources that traverse above the
// root are rejected; symlinked sources are resolved with the root
// treated as the filesystem root, so they cannot escape either.
func (c *Context) Resolve(src string) (string, error) {
	if filepath.IsAbs(src) {
		return "", domain.NewBuildError(domain.ErrCodePathEscapesContext,
			fmt.Sprintf("source path %q is absolute", src))
	}
	clean := filepath.Clean(src)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.NewBuildError(domain.ErrCodePathEscapesContext,
			fmt.Sprintf("source path %q resolves outside the build context", src))
	}

	path, err := securejoin.SecureJoin(c.root, clean)
	if err != nil {
		return "", domain.NewBuildErrorWithCause(domain.ErrCodePathEscapesContext,
			fmt.Sprintf("source path %q could not be resolved", src), err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.NewBuildError(domain.ErrCodeContextFileNotFound,
				fmt.Sprintf("source path %q not found in build context", src))
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return "", domain.NewBuildError(domain.ErrCodeContextFileNotFound,
			fmt.Sprintf("source path %q is a directory, expected a file", src))
	}

	return path, nil
}

// FileDigest returns the content digest of a resolved context file.
func (c *Context) FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return digest.FromReader(f)
}
