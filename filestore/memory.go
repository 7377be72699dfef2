package filestore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps content in memory. Used in tests and with the dummy
// scheduler.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ FileStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	sum, n, _ := MD5Reader(bytes.NewReader(data))
	s.mu.Lock()
	s.files[key] = data
	s.mu.Unlock()
	return n, sum, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.files[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[key]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.files, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Digest(ctx context.Context, key string) (string, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := MD5Reader(rc)
	return sum, err
}
