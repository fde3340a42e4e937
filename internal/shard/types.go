package shard

import (
	"time"

	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/telemetry"
)

// pendingSession is the one-time capability created by Prepare and consumed
// by the first successful register on a matching connection (§3, §4.4.1).
type pendingSession struct {
	playerID  string
	expiresAt time.Time
	consumed  bool
}

// connectionState tracks one open socket, whether or not it has completed
// registration yet. Anonymous connections (accepted, not yet registered)
// only accept heartbeat and register frames; registration promotes one into
// a full participant of proximity bookkeeping.
type connectionState struct {
	id       string
	conn     Conn
	playerID string

	registered     bool
	position       geo.Vector
	hasPosition    bool
	lastHeartbeat  time.Time
	lastPositionAt time.Time

	// peers is the last proximity set sent to this connection, keyed by
	// peer playerId, used to diff against on the next recalculation.
	peers map[string]float64
}

// ConnectionSnapshot is the diagnostics view of one connection's liveness
// (§12 "per-connection heartbeat/RTT"). The shard-channel protocol's
// heartbeat frame is a one-way liveness ping with no ack (§4.4.4), so there
// is no round-trip time to surface here; SecondsSinceHeartbeat is the
// signal that stands in for it.
type ConnectionSnapshot struct {
	PlayerID              string  `json:"playerId,omitempty"`
	Registered            bool    `json:"registered"`
	SecondsSinceHeartbeat float64 `json:"secondsSinceHeartbeat"`
}

// Snapshot is the diagnostics view of a shard's live state (§12), scoped to
// this shard alone: Counters is this shard's own telemetry.Counters, not a
// process-wide aggregate, since each cell's load is independent of every
// other cell's.
type Snapshot struct {
	CellID                string               `json:"cellId"`
	Connections           int                  `json:"connections"`
	RegisteredConnections int                  `json:"registeredConnections"`
	PendingSessions       int                  `json:"pendingSessions"`
	ConnectionDetails     []ConnectionSnapshot `json:"connectionDetails"`
	Counters              telemetry.Snapshot   `json:"counters"`
}
