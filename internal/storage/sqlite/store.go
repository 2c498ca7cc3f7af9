// Package sqlite implements the coordination store on an embedded SQLite
// database through modernc.org/sqlite. SQLite serialises writers, so every
// conditional UPDATE ... RETURNING runs atomically without explicit row locks.
// It suits single-host deployments and tests; multi-host deployments use the
// postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger
	retry  *retry.Retrier

	retryCfg retry.Config
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetry enables busy/locked retries with cfg.
func WithRetry(cfg retry.Config) Option {
	return func(s *Store) {
		s.retryCfg = cfg
	}
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	s := &Store{
		db:     db,
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = retry.New(s.retryCfg, IsTransient, s.logger)
	return s, nil
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqlite migrations")
	}
	s.db.SetMaxOpenConns(4)
	defer s.db.SetMaxOpenConns(1)

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return errors.Wrap(err, "sqlite migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "sqlite migrate up")
	}
	for _, r := range results {
		s.logger.Info("migration applied",
			zap.String("backend", "sqlite"),
			zap.String("path", r.Source.Path),
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping sqlite")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	return retry.Value(ctx, s.retry, op, func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, errors.Wrapf(err, "sqlite %s", op)
		}
		n, err := res.RowsAffected()
		return n, errors.Wrapf(err, "sqlite %s", op)
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "sqlite %s: begin", op)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return errors.Wrapf(tx.Commit(), "sqlite %s: commit", op)
	})
}

// IsTransient reports whether err is a busy or locked database error.
func IsTransient(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}
