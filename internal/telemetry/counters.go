package telemetry

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Counters tracks per-shard operational counters surfaced through the
// diagnostics endpoint. It never blocks a hot path: every field is an
// atomic, and RecordX calls are safe to call from the shard's goroutine
// without holding the shard mutex.
type Counters struct {
	framesSent           atomic.Uint64
	bytesSent            atomic.Uint64
	lastBroadcastBytes   atomic.Uint64
	recalcDurationMicros atomic.Int64
	recalcPasses         atomic.Uint64
	signalsRelayed       atomic.Uint64
	signalsFailed        atomic.Uint64
	relayCacheHits       atomic.Uint64
	relayCacheMisses     atomic.Uint64
	heartbeatTimeouts    atomic.Uint64
	debug                bool
}

// Snapshot is the JSON-serializable view of Counters returned by the
// diagnostics endpoint.
type Snapshot struct {
	FramesSent           uint64 `json:"framesSent"`
	BytesSent            uint64 `json:"bytesSent"`
	LastBroadcastBytes   uint64 `json:"lastBroadcastBytes"`
	RecalcDurationMicros int64  `json:"recalcDurationMicros"`
	RecalcPasses         uint64 `json:"recalcPasses"`
	SignalsRelayed       uint64 `json:"signalsRelayed"`
	SignalsFailed        uint64 `json:"signalsFailed"`
	RelayCacheHits       uint64 `json:"relayCacheHits"`
	RelayCacheMisses     uint64 `json:"relayCacheMisses"`
	HeartbeatTimeouts    uint64 `json:"heartbeatTimeouts"`
}

// NewCounters constructs a zeroed counters block. DEBUG_TELEMETRY=1 enables
// a one-line stderr print per recalculation pass.
func NewCounters() *Counters {
	return &Counters{debug: os.Getenv("DEBUG_TELEMETRY") == "1"}
}

// RecordPeersFrame records a single peers frame emitted to one observer.
func (c *Counters) RecordPeersFrame(bytes int) {
	if c == nil || bytes < 0 {
		return
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(bytes))
	c.lastBroadcastBytes.Store(uint64(bytes))
}

// RecordRecalc records the wall-clock duration of one proximity
// recomputation pass.
func (c *Counters) RecordRecalc(d time.Duration) {
	if c == nil {
		return
	}
	c.recalcPasses.Add(1)
	micros := d.Microseconds()
	if micros < 0 {
		micros = 0
	}
	c.recalcDurationMicros.Store(micros)
	if c.debug {
		fmt.Fprintf(os.Stderr, "[telemetry] recalc=%dus passes=%d\n", micros, c.recalcPasses.Load())
	}
}

// RecordSignalRelayed records a successfully relayed signal payload.
func (c *Counters) RecordSignalRelayed() {
	if c == nil {
		return
	}
	c.signalsRelayed.Add(1)
}

// RecordSignalFailed records a signal that could not be delivered because
// the target was not connected to the shard.
func (c *Counters) RecordSignalFailed() {
	if c == nil {
		return
	}
	c.signalsFailed.Add(1)
}

// RecordHeartbeatTimeout records a connection dropped by the liveness sweep.
func (c *Counters) RecordHeartbeatTimeout() {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.Add(1)
}

// RecordRelayCache records whether a relay-credential lookup was served
// from cache.
func (c *Counters) RecordRelayCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.relayCacheHits.Add(1)
	} else {
		c.relayCacheMisses.Add(1)
	}
}

// Snapshot returns a point-in-time copy suitable for JSON encoding.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		FramesSent:           c.framesSent.Load(),
		BytesSent:            c.bytesSent.Load(),
		LastBroadcastBytes:   c.lastBroadcastBytes.Load(),
		RecalcDurationMicros: c.recalcDurationMicros.Load(),
		RecalcPasses:         c.recalcPasses.Load(),
		SignalsRelayed:       c.signalsRelayed.Load(),
		SignalsFailed:        c.signalsFailed.Load(),
		RelayCacheHits:       c.relayCacheHits.Load(),
		RelayCacheMisses:     c.relayCacheMisses.Load(),
		HeartbeatTimeouts:    c.heartbeatTimeouts.Load(),
	}
}
