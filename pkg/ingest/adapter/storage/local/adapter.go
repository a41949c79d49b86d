// Package local provides a file system implementation of storage.StorageConnection.
// Uploads are written to a temporary file in the target directory, synced and renamed
// over the destination, so a crash never leaves a truncated partition behind.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const (
	// ProviderType defines the type identifier for this backend.
	ProviderType = "local"

	tempPrefix = ".tmp-"
)

func init() {
	storage.RegisterBackend(ProviderType, func(ctx context.Context, cfg config.StorageConfig) (storage.StorageConnection, error) {
		return NewLocalAdapter(cfg.BaseDir)
	})
}

type localAdapter struct {
	baseDir string
}

var _ storage.StorageConnection = (*localAdapter)(nil)

// NewLocalAdapter creates an adapter rooted at baseDir, creating the directory if needed.
func NewLocalAdapter(baseDir string) (storage.StorageConnection, error) {
	if baseDir == "" {
		return nil, errors.New("local storage: base_dir must be specified")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("local storage: failed to create base_dir '%s': %w", baseDir, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local storage: failed to stat base_dir '%s': %w", baseDir, err)
	case !info.IsDir():
		return nil, fmt.Errorf("local storage: base_dir '%s' is not a directory", baseDir)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("local storage: failed to resolve base_dir '%s': %w", baseDir, err)
	}
	return &localAdapter{baseDir: abs}, nil
}

func (a *localAdapter) Type() string {
	return ProviderType
}

func (a *localAdapter) Close() error {
	return nil
}

func (a *localAdapter) Upload(ctx context.Context, objectName string, data io.Reader, contentType string) error {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(fullPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in '%s': %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		return fmt.Errorf("failed to write '%s': %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync '%s': %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close '%s': %w", tmpName, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("failed to rename '%s' to '%s': %w", tmpName, fullPath, err)
	}
	committed = true
	logger.Debugf("Wrote object '%s'.", objectName)
	return nil
}

func (a *localAdapter) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", objectName, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to open '%s': %w", fullPath, err)
	}
	return f, nil
}

// ListObjects walks the deepest directory that contains every possible match and filters
// names by prefix. Temporary upload files are never listed.
func (a *localAdapter) ListObjects(ctx context.Context, prefix string, fn func(objectName string) error) error {
	root := a.baseDir
	if prefix != "" {
		dirPart := prefix
		if !strings.HasSuffix(prefix, "/") {
			dirPart = filepath.ToSlash(filepath.Dir(prefix))
		}
		resolved, err := a.resolvePath(dirPart)
		if err != nil {
			return err
		}
		root = resolved
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(a.baseDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		return fn(name)
	})
	if err != nil {
		return fmt.Errorf("failed to list objects with prefix '%s': %w", prefix, err)
	}
	return nil
}

func (a *localAdapter) DeleteObject(ctx context.Context, objectName string) error {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete '%s': %w", fullPath, err)
	}
	return nil
}

func (a *localAdapter) Exists(ctx context.Context, objectName string) (bool, error) {
	fullPath, err := a.resolvePath(objectName)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// resolvePath maps an object name under baseDir and rejects names escaping it.
func (a *localAdapter) resolvePath(objectName string) (string, error) {
	fullPath := filepath.Join(a.baseDir, filepath.FromSlash(objectName))
	if fullPath != a.baseDir && !strings.HasPrefix(fullPath, a.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object name '%s' resolves outside of base_dir", objectName)
	}
	return fullPath, nil
}
