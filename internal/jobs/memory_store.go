package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is used when no TTL option is given.
const DefaultTTL = 24 * time.Hour

type storeOptions struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store implementation.
type Option func(*storeOptions)

// WithTTL sets how long a record stays visible after its last write.
func WithTTL(ttl time.Duration) Option {
	return func(o *storeOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{ttl: DefaultTTL, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps jobs in a mutex-guarded map. Returned jobs are copies.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	opts storeOptions
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), opts: buildOptions(opts)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if err := prepareCreate(job, s.opts.now(), s.opts.ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.ID]; ok && !cur.Expired(s.opts.now()) {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok || cur.Expired(s.opts.now()) {
		return nil, notFound(id)
	}
	return cur.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutator) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.now()
	cur, ok := s.jobs[id]
	if !ok || cur.Expired(now) {
		return nil, notFound(id)
	}
	next, err := applyMutation(cur, fn, now, s.opts.ttl)
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) (ListPage, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return ListPage{}, err
	}
	s.mu.Lock()
	now := s.opts.now()
	matched := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Expired(now) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	page := ListPage{Total: len(matched), Page: f.Page, PageSize: f.PageSize, Jobs: []*Job{}}
	start := f.offset()
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+f.PageSize, len(matched))
	page.Jobs = matched[start:end]
	return page, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok || cur.Expired(s.opts.now()) {
		return notFound(id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Expired(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
