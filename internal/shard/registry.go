package shard

import (
	"sync"
	"time"

	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/telemetry"
)

// Registry owns one Shard per CellID, created lazily on first use. Shards
// are never merged or torn down across cells; the registry only adds the
// "one Hub, many cells" indirection the teacher's single process-wide Hub
// does not need (§3 "no cross-shard awareness"). Each shard it creates gets
// its own *telemetry.Counters, since recalculation cost, signal relay
// volume, and frame throughput are independent per cell (§12) rather than a
// process-wide aggregate.
type Registry struct {
	cfg    Config
	logger telemetry.Logger
	opts   []Option

	mu     sync.Mutex
	shards map[geo.CellID]*Shard
}

// NewRegistry constructs an empty Registry. opts are applied to every Shard
// it creates, letting tests inject a deterministic clock/id source/timer
// uniformly across cells.
func NewRegistry(cfg Config, logger telemetry.Logger, opts ...Option) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		shards: make(map[geo.CellID]*Shard),
	}
}

// ForCell returns the shard owning id, creating it on first reference.
func (r *Registry) ForCell(id geo.CellID) *Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shards[id]; ok {
		return s
	}
	s := New(id, r.cfg, r.logger, telemetry.NewCounters(), r.opts...)
	r.shards[id] = s
	return s
}

// Lookup returns the shard for id without creating one, for handlers (the
// upgrade path) that must 426/404 instead of silently provisioning a cell
// nobody ever prepared a session for.
func (r *Registry) Lookup(id geo.CellID) (*Shard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	return s, ok
}

// Snapshot returns a diagnostics view across every live shard.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	shards := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		shards = append(shards, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(shards))
	for _, s := range shards {
		out = append(out, s.Diagnostics())
	}
	return out
}

// SweepHeartbeats runs the liveness sweep (§4.4.4) on every live shard. The
// registry's owner is expected to call this on a ticker the same period as
// HeartbeatTimeout.
func (r *Registry) SweepHeartbeats() {
	r.mu.Lock()
	shards := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		shards = append(shards, s)
	}
	r.mu.Unlock()

	for _, s := range shards {
		s.SweepHeartbeats()
	}
}

// RunHeartbeatSweeper blocks, sweeping every period until stop is closed.
// The owning process runs this in its own goroutine (mirrors the teacher's
// hub.RunSimulation ticker shape in cmd/server/main.go).
func (r *Registry) RunHeartbeatSweeper(period time.Duration, stop <-chan struct{}) {
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.SweepHeartbeats()
		}
	}
}
