package artifact

import (
	"bytes"
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

// Recorder couples the object store with the stage record store: Capture
// writes the payload under a content-addressed key and then points the
// run's (run, kind) record at it. Earlier payloads stay in the bucket; only
// the record moves.
type Recorder struct {
	objects Store
	records run.Store
	bucket  string
}

// NewRecorder builds a recorder writing payloads to objects and references
// to records.
func NewRecorder(objects Store, records run.Store, bucket string) *Recorder {
	return &Recorder{objects: objects, records: records, bucket: bucket}
}

// Capture stores one artifact payload and records it as current for its
// kind. Returns the object key.
func (r *Recorder) Capture(ctx context.Context, runID uuid.UUID, kind string, payload []byte) (string, error) {
	key := Key(runID.String(), kind, payload)
	meta := map[string]string{"run_id": runID.String(), "kind": kind}

	if _, err := r.objects.Upload(ctx, key, bytes.NewReader(payload), ContentType(kind), meta); err != nil {
		return "", err
	}

	rec := &run.Artifact{
		ID:     uuid.New(),
		RunID:  runID,
		Kind:   kind,
		Bucket: r.bucket,
		Key:    key,
	}
	if err := r.records.PutArtifact(ctx, rec); err != nil {
		return "", err
	}
	return key, nil
}

// Fetch loads the current payload for (run, kind).
func (r *Recorder) Fetch(ctx context.Context, runID uuid.UUID, kind string) ([]byte, error) {
	recs, err := r.records.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Kind != kind {
			continue
		}
		rc, err := r.objects.Download(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, ErrNotFound
}

// Objects exposes the underlying object store (for presigned URLs).
func (r *Recorder) Objects() Store {
	return r.objects
}
