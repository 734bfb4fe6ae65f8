package builder

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"layerforge/internal/buildcontext"
	"layerforge/internal/cache"
	"layerforge/internal/directive"
	"layerforge/internal/domain"
	"layerforge/internal/layer"
)

// Executor folds a directive list left-to-right into a layer chain.
// Directives run strictly in file order; the first failure aborts the
// build with a typed error carrying the failing directive's index, and
// no manifest is published.
type Executor struct {
	runner Runner
	cache  *cache.Store
	logger *zap.Logger
}

// NewExecutor creates a directive executor.
func NewExecutor(runner Runner, store *cache.Store, logger *zap.Logger) *Executor {
	return &Executor{
		runner: runner,
		cache:  store,
		logger: logger,
	}
}

// Result is the outcome of a successful build.
type Result struct {
	Manifest *layer.Manifest
	Chain    []*layer.Layer

	// Executed and CacheHits count COPY/RUN directives that ran versus
	// those served from the layer cache.
	Executed  int
	CacheHits int

	// Log is the captured stdout/stderr of every executed RUN.
	Log string
}

// Build executes directives against the build context. RUN output is
// streamed to logWriter when non-nil, in addition to being captured in
// the result.
func (e *Executor) Build(ctx context.Context, directives []directive.Directive, bctx *buildcontext.Context, logWriter io.Writer) (*Result, error) {
	if len(directives) == 0 {
		return nil, domain.NewBuildError(domain.ErrCodeNoBaseSelected, "build file contains no directives")
	}

	var (
		chain       []*layer.Layer
		base        *BaseImage
		currentUser string
		result      = &Result{}
		buildLog    strings.Builder
	)

	for i, d := range directives {
		if base == nil && d.Kind != directive.KindFrom {
			return nil, domain.NewBuildError(domain.ErrCodeNoBaseSelected,
				fmt.Sprintf("%s before FROM", d.Kind)).AtIndex(i)
		}

		switch d.Kind {
		case directive.KindFrom:
			if base != nil {
				return nil, domain.NewBuildError(domain.ErrCodeParse,
					"FROM is only allowed as the first directive").AtIndex(i)
			}
			resolved, err := e.runner.ResolveBase(ctx, d.BaseRef)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			base = resolved
			currentUser = base.DefaultUser
			if currentUser == "" {
				currentUser = "root"
			}
			root := &layer.Layer{
				Digest:    layer.ComputeRoot(d.BaseRef, base.ImageID),
				CreatedBy: d.String(),
				ImageID:   base.ImageID,
			}
			if err := e.cache.Put(root, nil); err != nil {
				return nil, pinIndex(err, i)
			}
			chain = append(chain, root)
			e.logger.Info("Base image resolved",
				zap.String("ref", d.BaseRef),
				zap.String("image_id", base.ImageID),
			)

		case directive.KindCopy:
			top := chain[len(chain)-1]
			src, err := bctx.Resolve(d.SrcPath)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			fileDigest, err := bctx.FileDigest(src)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			h := layer.Compute(top.Digest, d, currentUser, fileDigest)

			l, hit, err := e.lookup(ctx, h)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			if hit {
				chain = append(chain, l)
				result.CacheHits++
				continue
			}

			res, err := e.runner.CopyFile(ctx, top.ImageID, src, d.DestPath)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			l, err = e.commit(h, top.Digest, d, res)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			chain = append(chain, l)
			result.Executed++

		case directive.KindRun:
			top := chain[len(chain)-1]
			h := layer.Compute(top.Digest, d, currentUser, "")

			l, hit, err := e.lookup(ctx, h)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			if hit {
				chain = append(chain, l)
				result.CacheHits++
				continue
			}

			e.logger.Info("Executing command",
				zap.String("cmdline", d.Cmdline),
				zap.String("user", currentUser),
			)
			res, err := e.runner.Run(ctx, top.ImageID, currentUser, d.Cmdline)
			if res != nil {
				buildLog.WriteString(res.Stdout)
				buildLog.WriteString(res.Stderr)
				if logWriter != nil {
					io.WriteString(logWriter, res.Stdout)
					io.WriteString(logWriter, res.Stderr)
				}
			}
			if err != nil {
				return nil, pinIndex(err, i)
			}
			l, err = e.commit(h, top.Digest, d, res)
			if err != nil {
				return nil, pinIndex(err, i)
			}
			chain = append(chain, l)
			result.Executed++

		case directive.KindUser:
			top := chain[len(chain)-1]
			if err := e.runner.LookupUser(ctx, top.ImageID, d.User); err != nil {
				return nil, pinIndex(err, i)
			}
			currentUser = d.User
		}
	}

	top := chain[len(chain)-1]
	manifest := &layer.Manifest{
		ImageID:     top.Digest,
		Layers:      digests(chain),
		BaseRef:     directives[0].BaseRef,
		DefaultUser: currentUser,
		Entrypoint:  base.Entrypoint,
		Cmd:         base.Cmd,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.cache.PutManifest(manifest); err != nil {
		return nil, err
	}

	result.Manifest = manifest
	result.Chain = chain
	result.Log = buildLog.String()

	e.logger.Info("Build succeeded",
		zap.String("image_id", string(manifest.ImageID)),
		zap.Int("layers", len(manifest.Layers)),
		zap.Int("executed", result.Executed),
		zap.Int("cache_hits", result.CacheHits),
		zap.String("default_user", manifest.DefaultUser),
	)

	return result, nil
}

// lookup consults the layer cache. A corrupt entry has already been
// invalidated by the store; it is logged and treated as a miss so the
// directive re-executes instead of consuming bad content. A hit whose
// recorded image id the daemon has pruned is invalidated and treated
// the same way, so a retried build re-materializes the prefix instead
// of failing on a stale id.
func (e *Executor) lookup(ctx context.Context, h digest.Digest) (*layer.Layer, bool, error) {
	l, hit, err := e.cache.Get(h)
	if err != nil {
		if domain.ErrorCode(err) == domain.ErrCodeCacheCorrupt {
			e.logger.Warn("Cache entry corrupt, re-executing directive",
				zap.String("digest", string(h)),
				zap.Error(err),
			)
			return nil, false, nil
		}
		return nil, false, err
	}
	if !hit {
		return nil, false, nil
	}

	exists, err := e.runner.ImageExists(ctx, l.ImageID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		e.cache.Invalidate(h)
		e.logger.Warn("Cached layer image pruned from daemon, re-executing directive",
			zap.String("digest", string(h)),
			zap.String("image_id", l.ImageID),
		)
		return nil, false, nil
	}
	return l, true, nil
}

// commit stores a freshly executed layer and its diff.
func (e *Executor) commit(h, parent digest.Digest, d directive.Directive, res *RunResult) (*layer.Layer, error) {
	l := &layer.Layer{
		Digest:    h,
		Parent:    parent,
		CreatedBy: d.String(),
		ImageID:   res.ImageID,
	}
	diff := res.Diff
	if diff != nil {
		defer diff.Close()
	}
	var reader io.Reader
	if diff != nil {
		reader = diff
	}
	if err := e.cache.Put(l, reader); err != nil {
		return nil, err
	}
	return l, nil
}

func digests(chain []*layer.Layer) []digest.Digest {
	out := make([]digest.Digest, len(chain))
	for i, l := range chain {
		out[i] = l.Digest
	}
	return out
}

func pinIndex(err error, i int) error {
	if be, ok := err.(*domain.BuildError); ok && be.Index < 0 {
		return be.AtIndex(i)
	}
	return err
}
