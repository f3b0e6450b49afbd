// Package storage persists symbol datasets.
//
// Every symbol has one file per representation under the interval folder:
// a CSV file and a Parquet file with the same logical schema
// (DateTime, Open, High, Low, Close, Volume). Each representation is handled
// by a DatasetStore backend; the Persister composes them, reading from the
// authoritative one and writing all of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// Format names an on-disk representation.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat parses a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported storage format: %q", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

func (f Format) String() string {
	return string(f)
}

// ErrNotFound is returned by Load when a symbol has no file.
var ErrNotFound = errors.New("dataset not found")

// DatasetStore reads and writes complete symbol datasets in one format.
type DatasetStore interface {
	// Format identifies the representation.
	Format() Format

	// Path returns the file holding symbol's dataset.
	Path(symbol string) string

	// Exists reports whether symbol has a file.
	Exists(symbol string) bool

	// Load reads symbol's dataset. It returns ErrNotFound when no file exists.
	Load(ctx context.Context, symbol string) ([]models.Candle, error)

	// Save replaces symbol's dataset with candles. The previous file stays
	// intact if writing fails.
	Save(ctx context.Context, symbol string, candles []models.Candle) error
}

// NewStore creates the backend for format rooted at dir.
func NewStore(format Format, dir string, opts ...StoreOption) (DatasetStore, error) {
	switch format {
	case FormatCSV:
		return NewCSVStore(dir, opts...), nil
	case FormatParquet:
		return NewParquetStore(dir, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage format: %q", format)
	}
}

// StoreOption customises a backend.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger *slog.Logger
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = l }
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "load", "save")
	Operation string

	// Format is the representation involved in the operation
	Format Format

	// Path is the file involved (may be empty)
	Path string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage operation %s (%s) on %s failed: %v", e.Operation, e.Format, e.Path, e.Err)
	}
	return fmt.Sprintf("storage operation %s (%s) failed: %v", e.Operation, e.Format, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation string, format Format, path string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Format:    format,
		Path:      path,
		Err:       err,
	}
}

// NewLoadError creates a StorageError for read operations.
func NewLoadError(format Format, path string, err error) *StorageError {
	return NewStorageError("load", format, path, err)
}

// NewSaveError creates a StorageError for write operations.
func NewSaveError(format Format, path string, err error) *StorageError {
	return NewStorageError("save", format, path, err)
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// symbolPath builds <dir>/<SYMBOL><ext>.
func symbolPath(dir, symbol string, format Format) string {
	return filepath.Join(dir, symbol+format.Ext())
}

// writeAtomic writes path through a sibling temp file that replaces path
// only after write succeeded.
func writeAtomic(path string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
