package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioConfig locates a bucket on an S3 compatible server.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key" json:"secret_key,omitempty"`
	Bucket    string `yaml:"bucket" json:"bucket,omitempty"`
	Region    string `yaml:"region" json:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl,omitempty"`
	// Prefix is prepended to every key.
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

// MinioStore keeps content as objects in one bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ FileStore = &MinioStore{}

// NewMinioStore connects and creates the bucket if it does not exist.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating minio client")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "checking bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, errors.Wrapf(err, "creating bucket %s", cfg.Bucket)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *MinioStore) object(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader) (int64, string, error) {
	h := md5.New()
	info, err := s.client.PutObject(ctx, s.bucket, s.object(key), io.TeeReader(r, h), -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return 0, "", errors.Wrapf(err, "storing %s", key)
	}
	return info.Size, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if ok, err := s.Exists(ctx, key); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return obj, nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %s", key)
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.object(key), minio.RemoveObjectOptions{})
}

// Digest streams the object; ETags are not MD5s for multipart uploads.
func (s *MinioStore) Digest(ctx context.Context, key string) (string, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := MD5Reader(rc)
	return sum, err
}
