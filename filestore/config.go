package filestore

import (
	"context"
	"fmt"
)

const (
	LocalType = "local"
	MinioType = "minio"
)

// Config selects and configures a FileStore. It travels in worker parameter
// files, so every worker opens the same store as the manager.
type Config struct {
	Type string `yaml:"type" json:"type"`
	// Root directory of a local store.
	Root      string      `yaml:"root" json:"root,omitempty"`
	CacheSize int         `yaml:"cache_size" json:"cache_size,omitempty"`
	Minio     MinioConfig `yaml:"minio" json:"minio,omitempty"`
}

func (c Config) Validate() error {
	switch c.Type {
	case LocalType:
		if c.Root == "" {
			return fmt.Errorf("local file store needs a root directory")
		}
		return nil
	case MinioType:
		return c.Minio.Validate()
	}
	return fmt.Errorf("unknown file store type %q", c.Type)
}

// Open builds the configured store.
func Open(ctx context.Context, c Config) (FileStore, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Type == MinioType {
		return NewMinioStore(ctx, c.Minio)
	}
	return NewLocalStore(c.Root, c.CacheSize)
}
