package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/types"
	_ "modernc.org/sqlite"
)

// DefaultFileName is the store file created under the data directory.
const DefaultFileName = "nodenexus.db"

// Store is the embedded SQLite store.
type Store struct {
	db  *sql.DB
	sem chan struct{}
}

// Options tunes the pool. Zero values select defaults.
type Options struct {
	// MaxWorkers bounds concurrent calls through Do. Defaults to 8.
	MaxWorkers int
	// BusyTimeout is handed to SQLite. Defaults to 5s.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the store file under dataDir and runs
// pending migrations.
func Open(dataDir string, opts Options) (*Store, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	path := filepath.Join(dataDir, DefaultFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, types.NewStorageError("open", err)
	}
	// SQLite serializes writers; a single connection avoids lock thrash
	// between the metric writer and request handlers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:  db,
		sem: make(chan struct{}, opts.MaxWorkers),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw pool for repositories in this package and for the
// single-writer ingest path.
func (s *Store) DB() *sql.DB { return s.db }

// Do runs fn through the bounded worker pool. It returns a pool-exhausted
// StorageError when ctx expires before a slot frees up. Callers get no
// transactional guarantees across separate Do calls.
func (s *Store) Do(ctx context.Context, fn func() error) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
		return fn()
	case <-ctx.Done():
		return types.NewStorageError("pool exhausted", ctx.Err())
	}
}

// Tx runs fn in one transaction, rolling back on error.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewStorageError("begin tx", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithComponent("storage").Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.NewStorageError("commit", err)
	}
	return nil
}

// Time columns store unix milliseconds; helpers convert at the row
// mapping boundary.

func nowUTC() time.Time { return time.Now().UTC() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
