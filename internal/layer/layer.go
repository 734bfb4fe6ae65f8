package layer

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"layerforge/internal/directive"
)

// FixedMtime is the deterministic modification time stamped on files in
// COPY diff archives so identical inputs hash identically across builds.
var FixedMtime = time.Unix(0, 0).UTC()

// Layer is one immutable link in the build chain. The root layer is the
// resolved base image (Parent empty); every COPY and RUN adds exactly
// one more.
type Layer struct {
	// Digest is the content address of the layer: a hash over the
	// parent digest, the directive, and the directive's file inputs.
	Digest digest.Digest `json:"digest"`

	// Parent is the digest of the layer below, empty for the root.
	Parent digest.Digest `json:"parent,omitempty"`

	// CreatedBy records the directive that produced the layer.
	CreatedBy string `json:"created_by"`

	// DiffDigest is the digest of the layer's diff archive, used to
	// detect cache corruption on read. Empty for the root layer.
	DiffDigest digest.Digest `json:"diff_digest,omitempty"`

	// ImageID is the daemon-side image the chain materializes to at
	// this layer, used to instantiate transient containers above it.
	ImageID string `json:"image_id,omitempty"`
}

// Manifest is the final build output, produced only after every
// directive succeeded. Layers lists the full chain in order, root
// (base) first.
type Manifest struct {
	ImageID     digest.Digest   `json:"image_id"`
	Layers      []digest.Digest `json:"layers"`
	BaseRef     string          `json:"base_ref"`
	DefaultUser string          `json:"default_user"`
	Entrypoint  []string        `json:"entrypoint,omitempty"`
	Cmd         []string        `json:"cmd,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Compute derives a layer digest from its inputs. The encoding is a
// newline-joined record of the parent digest, the directive kind, its
// canonical arguments, the effective user (RUN only; ownership of
// produced files depends on it), and the source file digest (COPY
// only). Any input change changes the digest.
func Compute(parent digest.Digest, d directive.Directive, user string, fileDigest digest.Digest) digest.Digest {
	parts := []string{string(parent), string(d.Kind)}
	parts = append(parts, d.Args()...)
	if d.Kind == directive.KindRun {
		parts = append(parts, "user="+user)
	}
	if fileDigest != "" {
		parts = append(parts, "file="+string(fileDigest))
	}
	return digest.FromString(strings.Join(parts, "\n"))
}

// ComputeRoot derives the root layer digest from a resolved base image.
func ComputeRoot(baseRef, imageID string) digest.Digest {
	return digest.FromString("BASE\n" + baseRef + "\n" + imageID)
}
