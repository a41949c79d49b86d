// Package storage defines the object storage port backing the partitioned store.
// Backends (local file system, Google Cloud Storage) register themselves from their own
// sub-packages and are selected by storage.type.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// ErrObjectNotFound is returned by Download when the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

func init() {
	exception.RegisterErrorType("storage.ErrObjectNotFound", ErrObjectNotFound)
}

// StorageConnection is a handle to one object store. Object names use "/" separators
// and are relative to the configured root (base directory or bucket prefix).
type StorageConnection interface {
	// Type returns the backend identifier, e.g. "local" or "gcs".
	Type() string
	// Upload replaces objectName with data. Readers never observe a partially written object.
	Upload(ctx context.Context, objectName string, data io.Reader, contentType string) error
	// Download opens objectName. The caller closes the returned reader.
	Download(ctx context.Context, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for every object whose name starts with prefix, in lexical order.
	ListObjects(ctx context.Context, prefix string, fn func(objectName string) error) error
	// DeleteObject removes objectName. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, objectName string) error
	// Exists reports whether objectName is present.
	Exists(ctx context.Context, objectName string) (bool, error)
	// Close releases backend resources.
	Close() error
}

// ConnectionFactory builds a StorageConnection from configuration.
type ConnectionFactory func(ctx context.Context, cfg config.StorageConfig) (StorageConnection, error)

var (
	factories     = make(map[string]ConnectionFactory)
	factoriesLock sync.RWMutex
)

// RegisterBackend registers a ConnectionFactory for a storage type.
func RegisterBackend(storageType string, factory ConnectionFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	if _, exists := factories[storageType]; exists {
		logger.Warnf("Storage backend '%s' already registered. Overwriting.", storageType)
	}
	factories[storageType] = factory
}

// Open builds the StorageConnection selected by cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig) (StorageConnection, error) {
	factoriesLock.RLock()
	factory, ok := factories[cfg.Type]
	factoriesLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage backend registered for type: %s", cfg.Type)
	}
	conn, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Type, err)
	}
	return conn, nil
}

// ReadAll downloads objectName fully into memory.
func ReadAll(ctx context.Context, conn StorageConnection, objectName string) ([]byte, error) {
	r, err := conn.Download(ctx, objectName)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
