package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"layerforge/internal/domain"
	"layerforge/internal/layer"
)

const (
	layerMetaFile = "layer.json"
	layerDiffFile = "diff.tar"
)

// Store is the persistent, content-addressed layer cache. Entries live
// at <dir>/<algorithm>/<hex>/ and finished image manifests at
// <dir>/manifests/<hex>.json.
//
// Reads are unrestricted; writes are serialized per digest key so
// concurrent identical builds converge on a single entry instead of
// duplicating work.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[digest.Digest]*sync.Mutex
}

// NewStore opens (creating if needed) a layer cache rooted at dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving cache dir: %w", err)
	}
	for _, sub := range []string{string(digest.SHA256), "manifests", "tmp"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	return &Store{
		dir:    abs,
		logger: logger,
		locks:  make(map[digest.Digest]*sync.Mutex),
	}, nil
}

func (s *Store) entryDir(d digest.Digest) string {
	return filepath.Join(s.dir, string(d.Algorithm()), d.Encoded())
}

// keyLock returns the write lock for one digest key.
func (s *Store) keyLock(d digest.Digest) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[d]
	if !ok {
		l = &sync.Mutex{}
		s.locks[d] = l
	}
	return l
}

// Get looks up a cached layer by digest. The second return is false on
// a miss. A stored entry whose diff archive no longer matches its
// recorded digest is invalidated and reported as a CACHE_CORRUPT error;
// callers re-execute the directive rather than consuming the entry.
func (s *Store) Get(d digest.Digest) (*layer.Layer, bool, error) {
	dir := s.entryDir(d)
	raw, err := os.ReadFile(filepath.Join(dir, layerMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cache entry %s: %w", d, err)
	}

	var l layer.Layer
	if err := json.Unmarshal(raw, &l); err != nil {
		s.invalidate(d)
		return nil, false, domain.NewBuildErrorWithCause(domain.ErrCodeCacheCorrupt,
			fmt.Sprintf("cache entry %s has unreadable metadata", d), err)
	}

	if l.DiffDigest != "" {
		actual, err := diffDigest(filepath.Join(dir, layerDiffFile))
		if err != nil {
			s.invalidate(d)
			return nil, false, domain.NewBuildErrorWithCause(domain.ErrCodeCacheCorrupt,
				fmt.Sprintf("cache entry %s has unreadable diff", d), err)
		}
		if actual != l.DiffDigest {
			s.invalidate(d)
			return nil, false, domain.NewBuildError(domain.ErrCodeCacheCorrupt,
				fmt.Sprintf("cache entry %s: diff digest %s does not match recorded %s", d, actual, l.DiffDigest))
		}
	}

	return &l, true, nil
}

// Put stores a layer and its diff archive under the layer's digest.
// diff may be nil for layers without a filesystem diff (the root).
// Writes to the same key are serialized and at-most-once: if the entry
// exists by the time the lock is held, the write is skipped.
func (s *Store) Put(l *layer.Layer, diff io.Reader) error {
	lock := s.keyLock(l.Digest)
	lock.Lock()
	defer lock.Unlock()

	dir := s.entryDir(l.Digest)
	if _, err := os.Stat(filepath.Join(dir, layerMetaFile)); err == nil {
		// A concurrent identical build won the race; converge on its entry.
		return nil
	}

	tmp, err := os.MkdirTemp(filepath.Join(s.dir, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("creating cache staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	stored := *l
	if diff != nil {
		f, err := os.Create(filepath.Join(tmp, layerDiffFile))
		if err != nil {
			return fmt.Errorf("staging diff: %w", err)
		}
		digester := digest.Canonical.Digester()
		if _, err := io.Copy(io.MultiWriter(f, digester.Hash()), diff); err != nil {
			f.Close()
			return fmt.Errorf("writing diff: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("writing diff: %w", err)
		}
		stored.DiffDigest = digester.Digest()
	}

	raw, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding layer metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, layerMetaFile), raw, 0o644); err != nil {
		return fmt.Errorf("staging layer metadata: %w", err)
	}

	if err := os.Rename(tmp, dir); err != nil {
		if _, statErr := os.Stat(filepath.Join(dir, layerMetaFile)); statErr == nil {
			return nil
		}
		return fmt.Errorf("committing cache entry %s: %w", l.Digest, err)
	}

	l.DiffDigest = stored.DiffDigest
	return nil
}

// Diff opens the stored diff archive of a cached layer.
func (s *Store) Diff(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.entryDir(d), layerDiffFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewBuildError(domain.ErrCodeNotFound,
				fmt.Sprintf("no diff stored for layer %s", d))
		}
		return nil, err
	}
	return f, nil
}

// PutManifest persists a finished image manifest, addressable by its
// final layer digest.
func (s *Store) PutManifest(m *layer.Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(s.dir, "manifests", m.ImageID.Encoded()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("staging manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// GetManifest loads a stored manifest by its image digest.
func (s *Store) GetManifest(d digest.Digest) (*layer.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "manifests", d.Encoded()+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewBuildError(domain.ErrCodeNotFound,
				fmt.Sprintf("no manifest stored for %s", d))
		}
		return nil, err
	}
	var m layer.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", d, err)
	}
	return &m, nil
}

// Invalidate removes a cache entry whose recorded state is no longer
// usable, e.g. when the daemon has pruned the layer's image. The next
// Put for the digest recreates the entry.
func (s *Store) Invalidate(d digest.Digest) {
	lock := s.keyLock(d)
	lock.Lock()
	defer lock.Unlock()
	s.invalidate(d)
}

func (s *Store) invalidate(d digest.Digest) {
	if err := os.RemoveAll(s.entryDir(d)); err != nil {
		s.logger.Error("Failed to invalidate cache entry",
			zap.String("digest", string(d)),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("Invalidated corrupt cache entry", zap.String("digest", string(d)))
}

func diffDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}
