package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewMemStore builds an empty in-memory store.
func NewMemStore(bucket string) *MemStore {
	return &MemStore{
		bucket:  bucket,
		objects: make(map[string]memObject),
	}
}

// Bucket returns the configured bucket name.
func (s *MemStore) Bucket() string {
	return s.bucket
}

// EnsureBucket is a no-op for the in-memory store.
func (s *MemStore) EnsureBucket(ctx context.Context) error {
	return nil
}

// Upload stores a payload under the given key.
func (s *MemStore) Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Object, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.objects[key] = memObject{
		data:        data,
		contentType: contentType,
		metadata:    metadata,
		modified:    time.Now(),
	}
	s.mu.Unlock()

	return &Object{
		Key:         key,
		Bucket:      s.bucket,
		Size:        int64(len(data)),
		ContentType: contentType,
		Metadata:    metadata,
	}, nil
}

// Download retrieves a payload by key.
func (s *MemStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetPresignedURL returns a stable fake URL for the key.
func (s *MemStore) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("mem://%s/%s", s.bucket, key), nil
}

// List lists stored objects under a prefix.
func (s *MemStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Object
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, &Object{
			Key:          key,
			Bucket:       s.bucket,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
			Metadata:     obj.metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes a payload by key.
func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// DeletePrefix removes all payloads under a prefix.
func (s *MemStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemStore)(nil)
