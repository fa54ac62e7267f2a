// Package health tracks whether the job store and broker are reachable and
// publishes the result over HTTP and the gRPC health protocol.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported next to the overall "" entry.
const ServiceName = "transcriptor"

const pingTimeout = 5 * time.Second

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Status is the outcome of the latest round of checks.
type Status struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
	Uptime    string            `json:"uptime"`
}

// Monitor pings its checks periodically and caches the result.
type Monitor struct {
	log      *slog.Logger
	checks   []Check
	interval time.Duration
	started  time.Time
	grpc     *grpchealth.Server

	mu     sync.RWMutex
	status Status
}

// NewMonitor creates a Monitor. It reports unhealthy until the first round
// of checks completes.
func NewMonitor(logger *slog.Logger, interval time.Duration, checks ...Check) *Monitor {
	m := &Monitor{
		log:      logger,
		checks:   checks,
		interval: interval,
		started:  time.Now(),
		grpc:     grpchealth.NewServer(),
	}
	m.setServing(false)
	return m
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.CheckNow(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.grpc.Shutdown()
			return nil
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow pings every check and records the result.
func (m *Monitor) CheckNow(ctx context.Context) Status {
	st := Status{Healthy: true, Checks: make(map[string]string, len(m.checks))}
	for _, c := range m.checks {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.Pinger.Ping(pctx)
		cancel()
		if err != nil {
			st.Healthy = false
			st.Checks[c.Name] = err.Error()
			continue
		}
		st.Checks[c.Name] = "ok"
	}
	st.CheckedAt = time.Now().UTC()

	m.mu.Lock()
	was := m.status
	m.status = st
	m.mu.Unlock()

	if was.CheckedAt.IsZero() || was.Healthy != st.Healthy {
		if st.Healthy {
			m.log.Info("dependencies healthy")
		} else {
			m.log.Warn("dependencies unhealthy", "checks", st.Checks)
		}
	}
	m.setServing(st.Healthy)
	return m.Status()
}

// Status returns the latest result.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	checks := make(map[string]string, len(st.Checks))
	for k, v := range st.Checks {
		checks[k] = v
	}
	st.Checks = checks
	st.Uptime = time.Since(m.started).Round(time.Second).String()
	return st
}

// Register adds the gRPC health service and reflection to s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.grpc)
	reflection.Register(s)
}

func (m *Monitor) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	m.grpc.SetServingStatus("", st)
	m.grpc.SetServingStatus(ServiceName, st)
}
