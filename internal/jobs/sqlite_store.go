package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jo-hoe/transcriptor/internal/common"
	_ "modernc.org/sqlite"
)

// maxCASAttempts bounds optimistic update retries under write contention.
const maxCASAttempts = 8

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists jobs in a single SQLite table. Queryable fields live in
// their own indexed columns; the full record is kept as a JSON document.
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
	// serializes writers in this process; the version check guards the rest
	mu sync.Mutex
}

func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_ttl ON jobs (ttl_expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	now := s.opts.now()
	if err := prepareCreate(job, now, s.opts.ttl); err != nil {
		return err
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	// An expired record with the same id may be overwritten.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, created_at, ttl_expires_at, version, doc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status, created_at = excluded.created_at,
		   ttl_expires_at = excluded.ttl_expires_at, version = excluded.version, doc = excluded.doc
		 WHERE jobs.ttl_expires_at <= ?`,
		job.ID, string(job.Status), job.CreatedAt.UnixNano(), job.TTLExpiresAt.UnixNano(), job.Version, string(doc),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM jobs WHERE id = ? AND ttl_expires_at > ?`, id, s.opts.now().UnixNano())
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return decodeJob(doc)
}

// Update is an optimistic compare-and-set on the version column, retried a
// bounded number of times when another writer wins the race.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn Mutator) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := applyMutation(cur, fn, s.opts.now(), s.opts.ttl)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal job: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, ttl_expires_at = ?, version = ?, doc = ?
			 WHERE id = ? AND version = ?`,
			string(next.Status), next.TTLExpiresAt.UnixNano(), next.Version, string(doc), id, cur.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s modified concurrently", ErrConflict, id)
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) (ListPage, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return ListPage{}, err
	}
	now := s.opts.now().UnixNano()
	where := `ttl_expires_at > ?`
	args := []any{now}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	page := ListPage{Page: f.Page, PageSize: f.PageSize, Jobs: []*Job{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&page.Total); err != nil {
		return ListPage{}, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM jobs WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.PageSize, f.offset())...)
	if err != nil {
		return ListPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return ListPage{}, fmt.Errorf("scan job: %w", err)
		}
		j, err := decodeJob(doc)
		if err != nil {
			return ListPage{}, err
		}
		page.Jobs = append(page.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return ListPage{}, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND ttl_expires_at > ?`, id, s.opts.now().UnixNano())
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE ttl_expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeJob(doc string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
