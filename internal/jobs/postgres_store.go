package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore persists jobs in PostgreSQL. Updates lock the row for the
// duration of the read-modify-write.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts storeOptions
	log  *slog.Logger
}

// NewPostgresStore connects a pgx pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger, opts ...Option) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "transcriptor"

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to postgres job store", "max_conns", pc.MaxConns)
	return &PostgresStore{pool: pool, opts: buildOptions(opts), log: logger}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		ttl_expires_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL,
		doc JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_ttl ON jobs (ttl_expires_at);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	now := s.opts.now()
	if err := prepareCreate(job, now, s.opts.ttl); err != nil {
		return err
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, created_at, ttl_expires_at, version, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, created_at = EXCLUDED.created_at,
		   ttl_expires_at = EXCLUDED.ttl_expires_at, version = EXCLUDED.version, doc = EXCLUDED.doc
		 WHERE jobs.ttl_expires_at <= $7`,
		job.ID, string(job.Status), job.CreatedAt, job.TTLExpiresAt, job.Version, string(doc), now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM jobs WHERE id = $1 AND ttl_expires_at > $2`, id, s.opts.now()).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return decodeJob(string(doc))
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutator) (*Job, error) {
	var out *Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		now := s.opts.now()
		var doc []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM jobs WHERE id = $1 AND ttl_expires_at > $2 FOR UPDATE`, id, now).Scan(&doc)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound(id)
			}
			return fmt.Errorf("lock job: %w", err)
		}
		cur, err := decodeJob(string(doc))
		if err != nil {
			return err
		}
		next, err := applyMutation(cur, fn, now, s.opts.ttl)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, ttl_expires_at = $2, version = $3, doc = $4 WHERE id = $5`,
			string(next.Status), next.TTLExpiresAt, next.Version, string(raw), id,
		); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) (ListPage, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return ListPage{}, err
	}
	where := `ttl_expires_at > $1`
	args := []any{s.opts.now()}
	if f.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(f.Status))
	}

	page := ListPage{Page: f.Page, PageSize: f.PageSize, Jobs: []*Job{}}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&page.Total); err != nil {
		return ListPage{}, fmt.Errorf("count jobs: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT doc FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, append(args, f.PageSize, f.offset())...)
	if err != nil {
		return ListPage{}, fmt.Errorf("list jobs: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return ListPage{}, fmt.Errorf("list jobs: %w", err)
	}
	for _, doc := range docs {
		j, err := decodeJob(string(doc))
		if err != nil {
			return ListPage{}, err
		}
		page.Jobs = append(page.Jobs, j)
	}
	return page, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND ttl_expires_at > $2`, id, s.opts.now())
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE ttl_expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.log.Info("closing postgres job store")
	s.pool.Close()
	return nil
}
