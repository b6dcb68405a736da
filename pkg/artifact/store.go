// Package artifact provides object storage for run artifacts: each stage's
// durable outputs land here under content-addressed keys, so repeated
// attempts never overwrite earlier payloads.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Stage output kinds. The kind names a role within the run, not a file
// format; a run holds at most one current artifact per kind.
const (
	KindRawResponse      = "RAW_RESPONSE"
	KindBuildCode        = "BUILD_CODE"
	KindCommandScript    = "COMMAND_SCRIPT"
	KindCommandLog       = "COMMAND_LOG"
	KindBuildSummary     = "BUILD_SUMMARY"
	KindStructureFile    = "STRUCTURE_FILE"
	KindRenderImagePNG   = "RENDER_IMAGE_PNG"
	KindRenderedModelGLB = "RENDERED_MODEL_GLB"
	KindComparisonSample = "COMPARISON_SAMPLE_GLB"
)

// Object describes a stored artifact payload.
type Object struct {
	Key          string            `json:"key"`
	Bucket       string            `json:"bucket"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`
	URL          string            `json:"url,omitempty"`
}

// Store is the object-store interface. Payloads are append-only: writers
// always use fresh content-addressed keys, and which key is current for a
// (run, kind) pair is tracked in the stage record store, not here.
type Store interface {
	// Upload writes a payload under the given key.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Object, error)

	// Download retrieves a payload by key. Returns ErrNotFound if absent.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetPresignedURL generates a time-limited download URL for a key.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List lists stored objects under a prefix.
	List(ctx context.Context, prefix string) ([]*Object, error)

	// Delete removes a payload by key.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all payloads under a prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// EnsureBucket creates the backing bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
}

// RunPrefix returns the object-key prefix holding all of a run's payloads.
func RunPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// Key builds a content-addressed object key for one artifact payload. The
// digest is over the payload bytes, so re-running a stage with identical
// output lands on the same key while any change produces a fresh one.
func Key(runID, kind string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s%s/%s%s", RunPrefix(runID), kind, hex.EncodeToString(sum[:8]), extension(kind))
}

func extension(kind string) string {
	switch kind {
	case KindRawResponse, KindBuildCode, KindCommandLog:
		return ".txt"
	case KindCommandScript, KindBuildSummary:
		return ".json"
	case KindStructureFile:
		return ".schem"
	case KindRenderImagePNG:
		return ".png"
	case KindRenderedModelGLB, KindComparisonSample:
		return ".glb"
	default:
		return ""
	}
}

// ContentType maps an artifact kind to its MIME type.
func ContentType(kind string) string {
	switch kind {
	case KindCommandScript, KindBuildSummary:
		return "application/json"
	case KindRenderImagePNG:
		return "image/png"
	case KindRenderedModelGLB, KindComparisonSample:
		return "model/gltf-binary"
	case KindStructureFile:
		return "application/octet-stream"
	default:
		return "text/plain"
	}
}
