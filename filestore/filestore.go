// Package filestore stores dataset bytes under string keys and computes
// their MD5 digests. The local implementation keeps files under a root
// directory; the MinIO one keeps them in a bucket.
package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get and Digest for a missing key.
var ErrNotFound = errors.New("no such file in store")

type FileStore interface {
	// Put stores everything read from r under key, replacing any previous
	// content, and returns the size and MD5 of what was stored.
	Put(ctx context.Context, key string, r io.Reader) (size int64, md5 string, err error)

	// Get opens the content stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error

	// Digest computes the MD5 of the content currently stored under key.
	Digest(ctx context.Context, key string) (string, error)
}

// MD5Reader hashes everything read from r.
func MD5Reader(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// MD5File hashes the file at path.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, _, err := MD5Reader(f)
	return sum, err
}

// PutFile stores the local file at path under key.
func PutFile(ctx context.Context, fs FileStore, key, path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	return fs.Put(ctx, key, f)
}

// Fetch copies the content stored under key into a new local file at path.
func Fetch(ctx context.Context, fs FileStore, key, path string) error {
	rc, err := fs.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return errors.Wrapf(err, "copying %s to %s", key, path)
	}
	return f.Close()
}
