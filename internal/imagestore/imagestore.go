// Package imagestore is an optional warm cache for on-demand base
// images: a GCS bucket consulted before falling back to virt-builder,
// and populated after a successful build so the next range reusing the
// same image skips the build step entirely (the image store
// expansion).
//
// Grounded on internal/services/storage/gcs.go's GCSStorage, trimmed to
// the single-object fetch/put operations this cache needs —
// multipart upload and signed URLs have no caller in this domain.
package imagestore

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/cyris-lab/cyris/internal/cyriserr"
	"go.uber.org/zap"
)

// Store is a GCS-backed cache of built base-image disks, keyed by a
// content-addressable label the caller derives from image name +
// customization parameters.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	logger *zap.Logger
}

// Config names the GCS bucket backing the cache.
type Config struct {
	BucketName string
}

// New connects to the configured bucket, verifying it is reachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "imagestore_init", err)
	}
	bucket := client.Bucket(cfg.BucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, cyriserr.Wrap(cyriserr.KindInternal, "imagestore_init", fmt.Errorf("bucket %s: %w", cfg.BucketName, err))
	}
	logger.Info("image store connected", zap.String("bucket", cfg.BucketName))
	return &Store{client: client, bucket: bucket, logger: logger}, nil
}

func (s *Store) Close() error { return s.client.Close() }

// Fetch downloads key into localPath if present, returning (true, nil)
// on a cache hit, or (false, nil) on a clean miss — callers fall
// through to virt-builder on a miss, never treating it as an error.
func (s *Store) Fetch(ctx context.Context, key, localPath string) (bool, error) {
	obj := s.bucket.Object(key)
	reader, err := obj.NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, cyriserr.Wrap(cyriserr.KindTransient, "imagestore_fetch", err)
	}
	defer reader.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return false, cyriserr.Wrap(cyriserr.KindInternal, "imagestore_fetch", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(localPath)
		return false, cyriserr.Wrap(cyriserr.KindTransient, "imagestore_fetch", err)
	}
	s.logger.Info("image store cache hit", zap.String("key", key))
	return true, nil
}

// Put uploads localPath's contents to key, warming the cache for the
// next caller that requests the same key.
func (s *Store) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "imagestore_put", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return cyriserr.Wrap(cyriserr.KindInternal, "imagestore_put", err)
	}

	writer := s.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Size = stat.Size()

	if _, err := io.Copy(writer, f); err != nil {
		writer.Close()
		return cyriserr.Wrap(cyriserr.KindTransient, "imagestore_put", err)
	}
	if err := writer.Close(); err != nil {
		return cyriserr.Wrap(cyriserr.KindTransient, "imagestore_put", err)
	}
	s.logger.Info("image store cache populated", zap.String("key", key), zap.Int64("size", stat.Size()))
	return nil
}
