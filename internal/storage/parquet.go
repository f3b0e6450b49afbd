package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

const stagingTable = "market_data"

// ParquetStore keeps datasets as Parquet files. It stages rows in an
// in-memory DuckDB database with the Appender API and exports them with COPY.
type ParquetStore struct {
	dir    string
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// NewParquetStore opens the in-memory DuckDB database backing the store.
func NewParquetStore(dir string, opts ...StoreOption) (*ParquetStore, error) {
	o := applyStoreOptions(opts)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, NewStorageError("open", FormatParquet, "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Staging, export and reads all run on the one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &ParquetStore{
		dir:    dir,
		db:     db,
		logger: o.logger,
	}

	for _, setting := range []string{
		"SET enable_progress_bar = false",
		"SET threads = 1",
	} {
		if _, err := db.Exec(setting); err != nil {
			store.logger.Warn("failed to set DuckDB option", "option", setting, "error", err)
		}
	}

	return store, nil
}

// Close releases the DuckDB database.
func (s *ParquetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *ParquetStore) Format() Format { return FormatParquet }

func (s *ParquetStore) Path(symbol string) string { return symbolPath(s.dir, symbol, FormatParquet) }

func (s *ParquetStore) Exists(symbol string) bool { return fileExists(s.Path(symbol)) }

// Load reads a Parquet dataset. Columns are cast so files written by other
// tools with string timestamps or integer volumes load the same way.
func (s *ParquetStore) Load(ctx context.Context, symbol string) ([]models.Candle, error) {
	path := s.Path(symbol)
	if !fileExists(path) {
		return nil, NewLoadError(FormatParquet, path, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, NewLoadError(FormatParquet, path, errors.New("store is closed"))
	}

	query := fmt.Sprintf(`
	SELECT
		CAST("DateTime" AS TIMESTAMP),
		CAST("Open" AS DOUBLE),
		CAST("High" AS DOUBLE),
		CAST("Low" AS DOUBLE),
		CAST("Close" AS DOUBLE),
		CAST("Volume" AS DOUBLE)
	FROM read_parquet('%s')
	ORDER BY 1`, quoteLiteral(path))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewLoadError(FormatParquet, path, err)
	}
	defer rows.Close()

	var candles []models.Candle
	skipped := 0
	for rows.Next() {
		var (
			ts                            sql.NullTime
			open, high, low, close, volume sql.NullFloat64
		)
		if err := rows.Scan(&ts, &open, &high, &low, &close, &volume); err != nil {
			return nil, NewLoadError(FormatParquet, path, fmt.Errorf("failed to scan row: %w", err))
		}
		if !ts.Valid {
			skipped++
			continue
		}

		candles = append(candles, models.Candle{
			Timestamp: models.Naive(ts.Time),
			Open:      formatNullFloat(open),
			High:      formatNullFloat(high),
			Low:       formatNullFloat(low),
			Close:     formatNullFloat(close),
			Volume:    formatNullFloat(volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, NewLoadError(FormatParquet, path, err)
	}

	if skipped > 0 {
		logger.FromContext(ctx, s.logger).Warn("skipped Parquet rows without timestamp",
			"path", path,
			"skipped", skipped)
	}

	return candles, nil
}

// Save writes candles to symbol's Parquet file through a temp file in the
// same directory.
func (s *ParquetStore) Save(ctx context.Context, symbol string, candles []models.Candle) error {
	path := s.Path(symbol)
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewSaveError(FormatParquet, path, fmt.Errorf("failed to create directory: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return NewSaveError(FormatParquet, path, errors.New("store is closed"))
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return NewSaveError(FormatParquet, path, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if err := s.stage(ctx, conn, candles); err != nil {
		return NewSaveError(FormatParquet, path, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+stagingTable); err != nil {
			s.logger.Warn("failed to drop staging table", "error", err)
		}
	}()

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	copySQL := fmt.Sprintf(`COPY (SELECT * FROM %s ORDER BY "DateTime") TO '%s' (FORMAT PARQUET)`, stagingTable, quoteLiteral(tmp))
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		os.Remove(tmp)
		return NewSaveError(FormatParquet, path, fmt.Errorf("failed to export parquet: %w", err))
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return NewSaveError(FormatParquet, path, fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err))
	}

	logger.FromContext(ctx, s.logger).Debug("saved Parquet dataset",
		"path", path,
		"rows", len(candles),
		"duration", time.Since(start))

	return nil
}

// stage recreates the staging table and bulk-loads candles with the DuckDB
// Appender API.
func (s *ParquetStore) stage(ctx context.Context, conn *sql.Conn, candles []models.Candle) error {
	createSQL := fmt.Sprintf(`
	CREATE OR REPLACE TABLE %s (
		"DateTime" TIMESTAMP NOT NULL,
		"Open" DOUBLE,
		"High" DOUBLE,
		"Low" DOUBLE,
		"Close" DOUBLE,
		"Volume" DOUBLE
	)`, stagingTable)
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	if len(candles) == 0 {
		return nil
	}

	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", stagingTable)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		for _, c := range candles {
			if err := appender.AppendRow(
				c.Timestamp,
				nullableFloat(c.Open),
				nullableFloat(c.High),
				nullableFloat(c.Low),
				nullableFloat(c.Close),
				nullableFloat(c.Volume),
			); err != nil {
				return fmt.Errorf("failed to append candle %s: %w", c.Timestamp.Format(models.DateTimeLayout), err)
			}
		}

		if err := appender.Flush(); err != nil {
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return nil
	})
}

// nullableFloat converts a decimal string for the appender. Absent or
// unparseable values become NULL.
func nullableFloat(s string) driver.Value {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	f, _ := d.Float64()
	return f
}

func formatNullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return models.FormatFloat(v.Float64)
}

func quoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
