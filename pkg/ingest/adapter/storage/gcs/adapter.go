// Package gcs provides a Google Cloud Storage implementation of storage.StorageConnection.
// A GCS object write becomes visible only when the writer is closed, so uploads are atomic.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// ProviderType defines the type identifier for this backend.
const ProviderType = "gcs"

func init() {
	storage.RegisterBackend(ProviderType, NewGCSAdapter)
}

type gcsAdapter struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

var _ storage.StorageConnection = (*gcsAdapter)(nil)

// NewGCSAdapter creates a client for cfg.Bucket. Credentials come from cfg.CredentialsFile
// or, when empty, from Application Default Credentials.
func NewGCSAdapter(ctx context.Context, cfg config.StorageConfig) (storage.StorageConnection, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs storage: bucket must be specified")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs storage: failed to create client: %w", err)
	}
	logger.Infof("Using GCS bucket '%s' (prefix '%s') for partitions.", cfg.Bucket, cfg.Prefix)
	return &gcsAdapter{client: client, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (a *gcsAdapter) key(objectName string) string {
	return a.prefix + strings.TrimPrefix(objectName, "/")
}

func (a *gcsAdapter) Type() string {
	return ProviderType
}

func (a *gcsAdapter) Close() error {
	return a.client.Close()
}

func (a *gcsAdapter) Upload(ctx context.Context, objectName string, data io.Reader, contentType string) error {
	w := a.client.Bucket(a.bucket).Object(a.key(objectName)).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", a.bucket, a.key(objectName), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", a.bucket, a.key(objectName), err)
	}
	return nil
}

func (a *gcsAdapter) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.key(objectName)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", objectName, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", a.bucket, a.key(objectName), err)
	}
	return r, nil
}

func (a *gcsAdapter) ListObjects(ctx context.Context, prefix string, fn func(objectName string) error) error {
	it := a.client.Bucket(a.bucket).Objects(ctx, &gcstorage.Query{Prefix: a.key(prefix)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list gs://%s/%s: %w", a.bucket, a.key(prefix), err)
		}
		if err := fn(strings.TrimPrefix(attrs.Name, a.prefix)); err != nil {
			return err
		}
	}
}

func (a *gcsAdapter) DeleteObject(ctx context.Context, objectName string) error {
	err := a.client.Bucket(a.bucket).Object(a.key(objectName)).Delete(ctx)
	if err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", a.bucket, a.key(objectName), err)
	}
	return nil
}

func (a *gcsAdapter) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := a.client.Bucket(a.bucket).Object(a.key(objectName)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
