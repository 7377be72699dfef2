package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultDigestCacheSize bounds the number of remembered digests.
const DefaultDigestCacheSize = 4096

// LocalStore keeps content in files under Root. Digests are cached per file
// and reused while the file's size and modification time are unchanged.
type LocalStore struct {
	Root    string
	digests *lru.Cache[string, digestEntry]
}

type digestEntry struct {
	size    int64
	modTime time.Time
	md5     string
}

var _ FileStore = &LocalStore{}

func NewLocalStore(root string, cacheSize int) (*LocalStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDigestCacheSize
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating file store root %s", root)
	}
	cache, err := lru.New[string, digestEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &LocalStore{Root: root, digests: cache}, nil
}

// Path is where key lives on disk.
func (s *LocalStore) Path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (int64, string, error) {
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return 0, "", err
	}
	sum, n, err := MD5Reader(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, "", errors.Wrapf(err, "storing %s", key)
	}
	if info, err := os.Stat(path); err == nil {
		s.digests.Add(path, digestEntry{size: info.Size(), modTime: info.ModTime(), md5: sum})
	}
	return n, sum, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return f, err
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	path := s.Path(key)
	s.digests.Remove(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) Digest(ctx context.Context, key string) (string, error) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	if e, ok := s.digests.Get(path); ok && e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
		return e.md5, nil
	}
	sum, err := MD5File(path)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"key": key, "md5": sum}).Debug("computed digest")
	s.digests.Add(path, digestEntry{size: info.Size(), modTime: info.ModTime(), md5: sum})
	return sum, nil
}
