package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"layerforge/internal/buildcontext"
	"layerforge/internal/cache"
	"layerforge/internal/directive"
	"layerforge/internal/domain"
)

type runRecord struct {
	User    string
	Cmdline string
}

// fakeRunner satisfies Runner without a daemon. Commands listed in
// failures exit non-zero; knownUsers backs LookupUser. images holds
// the ids the daemon knows: bases plus everything committed since the
// last restart.
type fakeRunner struct {
	bases      map[string]*BaseImage
	knownUsers []string
	failures   map[string]int
	images     map[string]bool

	runs   []runRecord
	copies []string
	seq    int
}

func newFakeRunner() *fakeRunner {
	f := &fakeRunner{
		bases: map[string]*BaseImage{
			"base:2.9.2": {ImageID: "sha256:base292", Entrypoint: []string{"/entrypoint.sh"}},
		},
		knownUsers: []string{"root", "airflow"},
		failures:   map[string]int{},
	}
	f.restart()
	return f
}

// restart forgets every committed image, as a pruned or replaced
// daemon would, keeping only the pullable bases.
func (f *fakeRunner) restart() {
	f.images = map[string]bool{}
	for _, base := range f.bases {
		f.images[base.ImageID] = true
	}
}

func (f *fakeRunner) commit() string {
	f.seq++
	id := fmt.Sprintf("sha256:img%d", f.seq)
	f.images[id] = true
	return id
}

func (f *fakeRunner) ResolveBase(_ context.Context, ref string) (*BaseImage, error) {
	base, ok := f.bases[ref]
	if !ok {
		return nil, domain.NewBuildError(domain.ErrCodeBaseNotFound,
			fmt.Sprintf("base image %q not found in image store", ref))
	}
	return base, nil
}

func (f *fakeRunner) ImageExists(_ context.Context, imageID string) (bool, error) {
	return f.images[imageID], nil
}

func (f *fakeRunner) Run(_ context.Context, imageID, user, cmdline string) (*RunResult, error) {
	if !f.images[imageID] {
		return nil, fmt.Errorf("creating transient container: No such image: %s", imageID)
	}
	f.runs = append(f.runs, runRecord{User: user, Cmdline: cmdline})
	if code, ok := f.failures[cmdline]; ok {
		return &RunResult{ExitCode: code, Stderr: "boom\n"}, &domain.BuildError{
			Code:     domain.ErrCodeCommandFailed,
			Message:  fmt.Sprintf("command exited with status %d", code),
			Index:    -1,
			ExitCode: code,
			Stderr:   "boom\n",
		}
	}
	return &RunResult{
		Stdout:  "ran: " + cmdline + "\n",
		Diff:    io.NopCloser(strings.NewReader("diff of " + cmdline)),
		ImageID: f.commit(),
	}, nil
}

func (f *fakeRunner) CopyFile(_ context.Context, imageID, srcPath, destPath string) (*RunResult, error) {
	if !f.images[imageID] {
		return nil, fmt.Errorf("creating transient container: No such image: %s", imageID)
	}
	f.copies = append(f.copies, srcPath+" -> "+destPath)
	return &RunResult{
		Diff:    io.NopCloser(strings.NewReader("copy " + destPath)),
		ImageID: f.commit(),
	}, nil
}

func (f *fakeRunner) LookupUser(_ context.Context, _, identity string) error {
	for _, u := range f.knownUsers {
		if u == identity {
			return nil
		}
	}
	return domain.NewBuildError(domain.ErrCodeUnknownUser,
		fmt.Sprintf("user %q not present in image user database", identity))
}

func testFixtures(t *testing.T) (*fakeRunner, *cache.Store, *buildcontext.Context) {
	t.Helper()

	store, err := cache.NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	dir := t.TempDir()
	requirements := "pandas==2.2.0\ngspread==6.0.0\nboto3==1.34.0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(requirements), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbb"), 0o644))
	bctx, err := buildcontext.New(dir)
	require.NoError(t, err)

	return newFakeRunner(), store, bctx
}

func mustParse(t *testing.T, input string) []directive.Directive {
	t.Helper()
	ds, err := directive.Parse(strings.NewReader(input))
	require.NoError(t, err)
	return ds
}

const scenario = `FROM base:2.9.2
COPY requirements.txt /tmp/requirements.txt
RUN pip install -r /tmp/requirements.txt
USER airflow
`

func TestBuildEndToEnd(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	res, err := exec.Build(context.Background(), mustParse(t, scenario), bctx, nil)
	require.NoError(t, err)

	// Root + COPY + RUN; USER contributes no layer.
	assert.Len(t, res.Chain, 3)
	assert.Len(t, res.Manifest.Layers, 3)
	assert.Equal(t, "airflow", res.Manifest.DefaultUser)
	assert.Equal(t, "base:2.9.2", res.Manifest.BaseRef)
	assert.Equal(t, []string{"/entrypoint.sh"}, res.Manifest.Entrypoint)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 0, res.CacheHits)
	assert.Equal(t, res.Chain[2].Digest, res.Manifest.ImageID)

	// Chain is a singly-linked list in directive order.
	assert.Empty(t, res.Chain[0].Parent)
	assert.Equal(t, res.Chain[0].Digest, res.Chain[1].Parent)
	assert.Equal(t, res.Chain[1].Digest, res.Chain[2].Parent)

	// The manifest is addressable in the store.
	m, err := store.GetManifest(res.Manifest.ImageID)
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.Layers, m.Layers)
}

func TestBuildWarmCacheIsIdempotent(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))
	ds := mustParse(t, scenario)

	cold, err := exec.Build(context.Background(), ds, bctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cold.Executed)

	warm, err := exec.Build(context.Background(), ds, bctx, nil)
	require.NoError(t, err)

	// Zero executions on the warm pass, identical final digests.
	assert.Equal(t, 0, warm.Executed)
	assert.Equal(t, 2, warm.CacheHits)
	assert.Equal(t, cold.Manifest.ImageID, warm.Manifest.ImageID)
	assert.Equal(t, cold.Manifest.Layers, warm.Manifest.Layers)

	// The runner saw each mutating directive exactly once across both passes.
	assert.Len(t, runner.copies, 1)
	assert.Len(t, runner.runs, 1)
}

func TestBuildPrunedImageReexecutesCachedPrefix(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	cold, err := exec.Build(context.Background(), mustParse(t, scenario), bctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cold.Executed)

	// The daemon forgets every committed image; the cache still holds
	// the stale ids.
	runner.restart()

	extended := mustParse(t, scenario+"RUN pip check\n")
	res, err := exec.Build(context.Background(), extended, bctx, nil)
	require.NoError(t, err)

	// The cached prefix re-materializes instead of failing on a stale
	// id, and the appended RUN executes on a fresh image.
	assert.Equal(t, 3, res.Executed)
	assert.Equal(t, 0, res.CacheHits)
	assert.Equal(t, cold.Manifest.Layers, res.Manifest.Layers[:3])

	require.Len(t, runner.runs, 3)
	assert.Equal(t, "pip check", runner.runs[2].Cmdline)
	assert.Equal(t, "airflow", runner.runs[2].User)

	// The invalidated entries were rewritten with live ids: a further
	// rebuild is fully cached again.
	warm, err := exec.Build(context.Background(), extended, bctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, warm.Executed)
	assert.Equal(t, 3, warm.CacheHits)
}

func TestBuildChangedFileMissesCache(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))
	ds := mustParse(t, scenario)

	cold, err := exec.Build(context.Background(), ds, bctx, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(bctx.Root(), "requirements.txt"),
		[]byte("pandas==2.2.1\n"), 0o644))

	rebuilt, err := exec.Build(context.Background(), ds, bctx, nil)
	require.NoError(t, err)

	// COPY and the RUN above it re-execute; digests diverge from the swap point.
	assert.Equal(t, 2, rebuilt.Executed)
	assert.NotEqual(t, cold.Manifest.ImageID, rebuilt.Manifest.ImageID)
	assert.Equal(t, cold.Manifest.Layers[0], rebuilt.Manifest.Layers[0])
}

func TestBuildPathEscapeProducesNoLayer(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nCOPY ../../etc/passwd /x\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodePathEscapesContext, domain.ErrorCode(err))

	var be *domain.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Empty(t, runner.copies)
}

func TestBuildNoBaseSelected(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t, "RUN true\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeNoBaseSelected, domain.ErrorCode(err))
	assert.Empty(t, runner.runs)

	_, err = exec.Build(context.Background(), nil, bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeNoBaseSelected, domain.ErrorCode(err))
}

func TestBuildDuplicateFromRejected(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nFROM base:2.9.2\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeParse, domain.ErrorCode(err))
}

func TestBuildBaseNotFound(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t, "FROM nope:1\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeBaseNotFound, domain.ErrorCode(err))

	var be *domain.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Index)
}

func TestBuildUserPropagation(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	input := `FROM base:2.9.2
RUN id
USER airflow
RUN id
`
	res, err := exec.Build(context.Background(), mustParse(t, input), bctx, nil)
	require.NoError(t, err)

	require.Len(t, runner.runs, 2)
	assert.Equal(t, "root", runner.runs[0].User)
	assert.Equal(t, "airflow", runner.runs[1].User)
	assert.Equal(t, "airflow", res.Manifest.DefaultUser)

	// Identical cmdline under a different user is a distinct layer.
	assert.NotEqual(t, res.Chain[1].Digest, res.Chain[2].Digest)
}

func TestBuildUnknownUser(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nUSER ghost\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeUnknownUser, domain.ErrorCode(err))

	var be *domain.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
}

func TestBuildCommandFailed(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	runner.failures["make install"] = 2
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	_, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nRUN make install\n"), bctx, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeCommandFailed, domain.ErrorCode(err))

	var be *domain.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.ExitCode)
	assert.Equal(t, "boom\n", be.Stderr)
	assert.Equal(t, 1, be.Index)
}

func TestBuildIndependentCopyOrderChangesDigestsOnly(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	ab, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nCOPY a.txt /a\nCOPY b.txt /b\n"), bctx, nil)
	require.NoError(t, err)

	ba, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nCOPY b.txt /b\nCOPY a.txt /a\n"), bctx, nil)
	require.NoError(t, err)

	// Same files land either way, but the chains are distinct addresses.
	assert.NotEqual(t, ab.Manifest.ImageID, ba.Manifest.ImageID)
	assert.ElementsMatch(t,
		[]string{filepath.Join(bctx.Root(), "a.txt") + " -> /a", filepath.Join(bctx.Root(), "b.txt") + " -> /b"},
		runner.copies[:2])
}

func TestBuildLogCapture(t *testing.T) {
	runner, store, bctx := testFixtures(t)
	exec := NewExecutor(runner, store, zaptest.NewLogger(t))

	var streamed strings.Builder
	res, err := exec.Build(context.Background(), mustParse(t,
		"FROM base:2.9.2\nRUN echo hello\n"), bctx, &streamed)
	require.NoError(t, err)
	assert.Contains(t, res.Log, "ran: echo hello")
	assert.Equal(t, res.Log, streamed.String())
}
