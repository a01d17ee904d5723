// ABOUTME: Watches per-connection liveness and evicts silent connections.
// ABOUTME: Sole authority on whether a tenant's database is reachable.

package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/registry"
)

// DefaultStaleAfter is the silence threshold: three missed 15s heartbeats.
const DefaultStaleAfter = 45 * time.Second

// DefaultSweepInterval is how often the registry is scanned.
const DefaultSweepInterval = 5 * time.Second

// Options tunes monitor behavior; zero values take the defaults above.
type Options struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Monitor periodically scans the registry and evicts connections whose last
// heartbeat is older than the stale threshold.
type Monitor struct {
	registry      *registry.Registry
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates a Monitor over the given registry.
func New(reg *registry.Registry, opts Options, logger *slog.Logger) *Monitor {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Monitor{
		registry:      reg,
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		logger:        logger.With("component", "heartbeat"),
	}
}

// Run sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep marks and evicts every connection silent past the threshold.
// Exposed so tests can drive it deterministically.
func (m *Monitor) Sweep(now time.Time) {
	for _, conn := range m.registry.Connections() {
		silence := now.Sub(conn.LastHeartbeat())
		if silence <= m.staleAfter {
			continue
		}

		conn.MarkStale()
		m.logger.Warn("connection stale, evicting",
			"conn_id", conn.ID,
			"tenant", conn.TenantID,
			"database", conn.DatabaseID,
			"silence", silence,
		)
		m.registry.Evict(conn.ID, "heartbeat timeout")
	}
}
