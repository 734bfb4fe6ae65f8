package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"layerforge/internal/domain"
	"layerforge/internal/layer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func testLayer(name string) *layer.Layer {
	return &layer.Layer{
		Digest:    digest.FromString(name),
		Parent:    digest.FromString("parent of " + name),
		CreatedBy: "RUN " + name,
		ImageID:   "sha256:img-" + name,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	l := testLayer("install deps")

	require.NoError(t, s.Put(l, bytes.NewReader([]byte("diff payload"))))
	assert.NotEmpty(t, l.DiffDigest)

	got, ok, err := s.Get(l.Digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, l.Digest, got.Digest)
	assert.Equal(t, l.Parent, got.Parent)
	assert.Equal(t, l.CreatedBy, got.CreatedBy)
	assert.Equal(t, l.ImageID, got.ImageID)
	assert.Equal(t, digest.FromString("diff payload"), got.DiffDigest)
}

func TestGetMiss(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(digest.FromString("never stored"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutNilDiff(t *testing.T) {
	s := newTestStore(t)
	l := testLayer("root")
	l.Parent = ""
	require.NoError(t, s.Put(l, nil))

	got, ok, err := s.Get(l.Digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.DiffDigest)
}

func TestCorruptEntryInvalidated(t *testing.T) {
	s := newTestStore(t)
	l := testLayer("to be corrupted")
	require.NoError(t, s.Put(l, bytes.NewReader([]byte("original"))))

	// Tamper with the stored diff behind the store's back.
	diffPath := filepath.Join(s.entryDir(l.Digest), layerDiffFile)
	require.NoError(t, os.WriteFile(diffPath, []byte("tampered"), 0o644))

	_, _, err := s.Get(l.Digest)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeCacheCorrupt, domain.ErrorCode(err))

	// The corrupt entry is gone; the next lookup is a clean miss.
	_, ok, err := s.Get(l.Digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentIdenticalPutsConverge(t *testing.T) {
	s := newTestStore(t)
	key := digest.FromString("contended")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &layer.Layer{Digest: key, CreatedBy: "RUN contended", ImageID: "sha256:same"}
			assert.NoError(t, s.Put(l, bytes.NewReader([]byte("identical diff"))))
		}()
	}
	wg.Wait()

	got, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, digest.FromString("identical diff"), got.DiffDigest)

	// No stray staging directories left behind.
	entries, err := os.ReadDir(filepath.Join(s.dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentReads(t *testing.T) {
	s := newTestStore(t)
	l := testLayer("read heavy")
	require.NoError(t, s.Put(l, bytes.NewReader([]byte("diff"))))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Get(l.Digest)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestManifestRoundtrip(t *testing.T) {
	s := newTestStore(t)
	m := &layer.Manifest{
		ImageID:     digest.FromString("final"),
		Layers:      []digest.Digest{digest.FromString("root"), digest.FromString("final")},
		BaseRef:     "base:2.9.2",
		DefaultUser: "airflow",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.PutManifest(m))

	got, err := s.GetManifest(m.ImageID)
	require.NoError(t, err)
	assert.Equal(t, m.Layers, got.Layers)
	assert.Equal(t, "airflow", got.DefaultUser)

	_, err = s.GetManifest(digest.FromString("unknown"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeNotFound, domain.ErrorCode(err))
}
