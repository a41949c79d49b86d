// Package store is the partitioned, file-backed record store. Every table is a set of
// parquet files laid out as {source}/{table}/dt=YYYY-MM-DD (or dt=YYYY-MM) with an optional
// per-entity history file, on top of an adapter/storage backend.
//
// Writes are idempotent: rows are merged into the existing partition and deduplicated
// by natural id, keeping the most recently fetched version. A per-path lock serializes
// writers inside one process; the backend's atomic replace keeps readers consistent.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xitongsys/parquet-go/parquet"
	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const contentType = "application/vnd.apache.parquet"

// ErrCorruptPartition wraps decode failures of partition files.
var ErrCorruptPartition = errors.New("corrupt partition")

func init() {
	exception.RegisterErrorType("store.ErrCorruptPartition", ErrCorruptPartition)
}

// Store owns the storage connection and the per-path write locks shared by all tables.
type Store struct {
	conn        storage.StorageConnection
	compression parquet.CompressionCodec

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store over conn using the configured compression codec.
func NewStore(conn storage.StorageConnection, cfg config.StorageConfig) (*Store, error) {
	codec, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Store{
		conn:        conn,
		compression: codec,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// lock acquires the write lock of one object path and returns its release function.
func (s *Store) lock(path string) func() {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// list returns the object names under prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.conn.ListObjects(ctx, prefix, func(name string) error {
		names = append(names, name)
		return nil
	})
	return names, err
}

// readFile loads one parquet object. A missing object yields (nil, false, nil).
func readFile[R any](ctx context.Context, s *Store, path string) ([]R, bool, error) {
	data, err := storage.ReadAll(ctx, s.conn, path)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rows, err := decodeRows[R](data)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w: %v", path, ErrCorruptPartition, err)
	}
	return rows, true, nil
}

// writeFile encodes rows and atomically replaces path.
func writeFile[R any](ctx context.Context, s *Store, path string, rows []R) error {
	data, err := encodeRows(rows, s.compression)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := s.conn.Upload(ctx, path, bytes.NewReader(data), contentType); err != nil {
		return err
	}
	logger.Debugf("Wrote %d rows to '%s'.", len(rows), path)
	return nil
}

// NewStoreFromConfig is an Fx provider for *Store.
func NewStoreFromConfig(conn storage.StorageConnection, cfg *config.Config) (*Store, error) {
	return NewStore(conn, cfg.Ingest.Storage)
}

// Module provides *Store.
var Module = fx.Options(
	fx.Provide(NewStoreFromConfig),
)
