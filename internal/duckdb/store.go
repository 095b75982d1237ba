// Package duckdb persists the notification log, subscriber offsets and
// published status events in an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/duckdb/migrate"
)

// StoreConfig holds optional store settings.
type StoreConfig struct {
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Store manages the DuckDB connection.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	logger *zap.Logger
	now    func() time.Time

	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies pending
// migrations. If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string, conf ...StoreConfig) (*Store, error) {
	qt := 30 * time.Second
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].QueryTimeout > 0 {
			qt = conf[0].QueryTimeout
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}

	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db, logger).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		logger:       logger,
		now:          time.Now,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path is the database file, or "" for an in-memory store.
func (s *Store) Path() string { return s.dbPath }

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	cur, _, err := migrate.NewRunner(s.db, s.logger).Status(ctx)
	return cur, err
}

// queryCtx bounds a statement by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}
