// Package postgres implements the coordination store on PostgreSQL through
// pgx. Competing writers are serialised by row locks: leasing and job claims
// use FOR UPDATE SKIP LOCKED, locks and fences use conditional upserts.
package postgres

import (
	"context"
	"embed"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/sqlcoord/internal/clock"
	"github.com/SirClappington/sqlcoord/internal/retry"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ storage.Store = (*Store)(nil)

type Store struct {
	pool   *pgxpool.Pool
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

// WithRetry enables transient-error retries with cfg.
func WithRetry(cfg retry.Config) Option {
	return func(s *Store) {
		s.retryCfg = cfg
	}
}

// New wraps an existing pool. The caller keeps ownership of the pool only
// until Close is called.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = retry.New(s.retryCfg, IsTransient, s.logger)
	return s
}

// Open connects to dsn and verifies the connection before returning.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return New(pool, opts...), nil
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "postgres migrations")
	}
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return errors.Wrap(err, "postgres migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres migrate up")
	}
	for _, r := range results {
		s.logger.Info("migration applied",
			zap.String("backend", "postgres"),
			zap.String("path", r.Source.Path),
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.pool.Ping(ctx), "ping postgres")
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// exec runs a single statement and returns the affected row count.
func (s *Store) exec(ctx context.Context, op, sql string, args ...any) (int64, error) {
	return retry.Value(ctx, s.retry, op, func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return 0, errors.Wrapf(err, "postgres %s", op)
		}
		return tag.RowsAffected(), nil
	})
}

// IsTransient reports whether err is a PostgreSQL failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014", // query_canceled (statement timeout)
			"53300", // too_many_connections
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
