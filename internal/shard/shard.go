// Package shard implements the WorldShard actor (§5): one instance owns
// every connection whose player currently occupies a single spatial cell,
// serializes all state transitions behind its own mutex, and is the sole
// place proximity is computed and signaling payloads are relayed. A shard
// never talks to a socket directly; it holds a narrow Conn and the net/ws
// session handler feeds it decoded frames.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/telemetry"
	"proximityvoice/server/logging"
)

var (
	// ErrUnknownConnection is returned for frames or disconnects addressed
	// to a connection id the shard no longer holds.
	ErrUnknownConnection = errors.New("shard: unknown connection")
	// ErrInvalidSession is returned when a register frame's token does not
	// match a live, unconsumed pending session for that player.
	ErrInvalidSession = errors.New("shard: invalid or expired session token")
	// ErrAlreadyRegistered is returned for a register frame on a
	// connection that has already completed registration.
	ErrAlreadyRegistered = errors.New("shard: connection already registered")
	// ErrNotRegistered is returned for position/signal frames sent before
	// register completes.
	ErrNotRegistered = errors.New("shard: connection has not registered")
)

// stopper is the subset of *time.Timer the debounce logic depends on,
// narrowed so tests can substitute a synchronous stand-in instead of
// waiting on real wall-clock timers.
type stopper interface {
	Stop() bool
}

// TokenVerifier checks a session token's signature and expiry and returns
// the playerId/cellId it was minted for, satisfied structurally by
// *token.Minter. A shard with no verifier configured trusts its own
// pending table alone, matching the teacher's narrow-interface-at-the-
// boundary style (stopper, above).
type TokenVerifier interface {
	Verify(raw string) (playerID, cellID string, err error)
}

// Shard is a single WorldShard actor. All exported methods are safe for
// concurrent use; they serialize internally on mu the way the teacher's Hub
// serializes every subscriber mutation on its own lock.
type Shard struct {
	id  geo.CellID
	cfg Config

	now       func() time.Time
	newID     func() string
	afterFunc func(d time.Duration, f func()) stopper

	logger    telemetry.Logger
	counters  *telemetry.Counters
	publisher logging.Publisher
	verifier  TokenVerifier

	mu              sync.Mutex
	pending         map[string]*pendingSession  // keyed by session token
	pendingByPlayer map[string]string           // playerId -> session token, for eviction/pruning
	conns           map[string]*connectionState // keyed by connection id
	byPlayer        map[string]*connectionState // keyed by playerId, registered only
	recalcPending   bool
	recalcTimer     stopper
	closed          bool
}

// Option customizes a Shard at construction, primarily for tests.
type Option func(*Shard)

// WithClock overrides the shard's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Shard) { s.now = now }
}

// WithIDSource overrides the shard's connection-id generator.
func WithIDSource(newID func() string) Option {
	return func(s *Shard) { s.newID = newID }
}

// WithDebounceTrigger overrides how the shard schedules its debounced
// proximity recalculation, letting tests fire it synchronously instead of
// waiting on the real 50ms debounce window.
func WithDebounceTrigger(afterFunc func(d time.Duration, f func()) stopper) Option {
	return func(s *Shard) { s.afterFunc = afterFunc }
}

// WithPublisher routes structured lifecycle events (register, disconnect,
// signal relay outcome, heartbeat timeout) through p instead of the
// no-op default, the same way the teacher wires its Hub to a logging.Router
// rather than calling a plain logger from inside gameplay handlers.
func WithPublisher(p logging.Publisher) Option {
	return func(s *Shard) { s.publisher = p }
}

// WithTokenVerifier has the shard check a register frame's session token
// against v in addition to its own pending table, so a forged or tampered
// token is rejected even if it happens to collide with a live pending
// entry. Tests that hand-roll plain-string tokens leave this unset.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(s *Shard) { s.verifier = v }
}

// New constructs a WorldShard for the given cell.
func New(id geo.CellID, cfg Config, logger telemetry.Logger, counters *telemetry.Counters, opts ...Option) *Shard {
	if counters == nil {
		counters = telemetry.NewCounters()
	}
	s := &Shard{
		id:              id,
		cfg:             cfg,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          logger,
		counters:        counters,
		publisher:       logging.NopPublisher(),
		pending:         make(map[string]*pendingSession),
		pendingByPlayer: make(map[string]string),
		conns:           make(map[string]*connectionState),
		byPlayer:        make(map[string]*connectionState),
	}
	s.afterFunc = func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the cell this shard owns.
func (s *Shard) ID() geo.CellID { return s.id }

// Prepare registers a one-time capability for playerID, to be consumed by
// the first register frame presenting sessionToken on any connection
// accepted afterward (§4.4.1). It first prunes any pending session that has
// aged past its TTL, then evicts any other pending session still held for
// playerID: at most one pending session per playerID per shard (§3).
func (s *Shard) Prepare(playerID, sessionToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, p := range s.pending {
		if now.After(p.expiresAt) {
			delete(s.pending, token)
			if s.pendingByPlayer[p.playerID] == token {
				delete(s.pendingByPlayer, p.playerID)
			}
		}
	}

	if prior, ok := s.pendingByPlayer[playerID]; ok {
		delete(s.pending, prior)
	}

	s.pending[sessionToken] = &pendingSession{
		playerID:  playerID,
		expiresAt: now.Add(s.cfg.PendingSessionTTL),
	}
	s.pendingByPlayer[playerID] = sessionToken
}

// Accept admits a freshly opened socket as an anonymous connection and
// returns its connection id, to be passed to HandleFrame/Disconnect by the
// net/ws session loop that owns the actual read/write goroutines.
func (s *Shard) Accept(conn Conn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.conns[id] = &connectionState{
		id:            id,
		conn:          conn,
		lastHeartbeat: s.now(),
	}
	return id
}

// Disconnect removes a connection, releasing its playerId binding if
// registered and scheduling a proximity recalculation for everyone who had
// it in range.
func (s *Shard) Disconnect(connID string) {
	s.mu.Lock()
	cs, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	if cs.registered {
		delete(s.byPlayer, cs.playerID)
	}
	s.scheduleRecalcLocked()
	s.mu.Unlock()

	if cs.registered {
		s.publish(logging.Event{
			Type:     "connection.disconnected",
			Category: logging.CategoryPresence,
			Severity: logging.SeverityInfo,
			Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
			Targets:  []logging.EntityRef{{ID: connID, Kind: logging.EntityKindConnection}},
			Extra:    map[string]any{"playerId": cs.playerID},
		})
	}
}

// HandleFrame decodes and dispatches one inbound frame for connID.
func (s *Shard) HandleFrame(connID string, data []byte) error {
	in, decodeErr := codec.Decode(data)

	s.mu.Lock()
	cs, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConnection
	}

	if decodeErr != nil {
		s.mu.Unlock()
		s.sendError(cs, decodeErr.Error())
		s.publish(logging.Event{
			Type:     "connection.malformed_frame",
			Category: logging.CategoryPresence,
			Severity: logging.SeverityDebug,
			Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
			Targets:  []logging.EntityRef{{ID: connID, Kind: logging.EntityKindConnection}},
			Extra:    map[string]any{"error": decodeErr.Error()},
		})
		return decodeErr
	}

	var dispatchErr error
	switch in.Type {
	case codec.TypeRegister:
		dispatchErr = s.handleRegisterLocked(cs, in.Register)
	case codec.TypeHeartbeat:
		cs.lastHeartbeat = s.now()
	case codec.TypePosition:
		dispatchErr = s.handlePositionLocked(cs, in.Position)
	case codec.TypeSignal:
		dispatchErr = s.handleSignalLocked(cs, in.Signal)
	}
	s.mu.Unlock()

	if dispatchErr != nil {
		s.sendError(cs, dispatchErr.Error())
	}
	return dispatchErr
}

func (s *Shard) handleRegisterLocked(cs *connectionState, msg codec.RegisterMsg) error {
	if cs.registered {
		return ErrAlreadyRegistered
	}
	pending, ok := s.pending[msg.SessionToken]
	if !ok || pending.consumed || pending.playerID != msg.PlayerID || s.now().After(pending.expiresAt) {
		s.publishAuthFailureLocked(cs, msg.PlayerID)
		return ErrInvalidSession
	}
	if s.verifier != nil {
		playerID, cellID, err := s.verifier.Verify(msg.SessionToken)
		if err != nil || playerID != msg.PlayerID || cellID != string(s.id) {
			s.publishAuthFailureLocked(cs, msg.PlayerID)
			return ErrInvalidSession
		}
	}

	pending.consumed = true
	delete(s.pending, msg.SessionToken)
	if s.pendingByPlayer[msg.PlayerID] == msg.SessionToken {
		delete(s.pendingByPlayer, msg.PlayerID)
	}

	// A prior live connection for this playerId is displaced, not rejected:
	// the later register wins and the earlier socket is closed cleanly
	// (§4.4.2, §4.4.5, §8 scenario 5).
	if prior, taken := s.byPlayer[msg.PlayerID]; taken {
		s.evictLocked(prior, 1001, "replaced by a newer connection")
	}

	cs.playerID = msg.PlayerID
	cs.registered = true
	cs.lastHeartbeat = s.now()
	s.byPlayer[msg.PlayerID] = cs
	s.scheduleRecalcLocked()

	s.writeTo(cs, codec.NewRegistered(msg.PlayerID))
	s.publish(logging.Event{
		Type:     "connection.registered",
		Category: logging.CategoryPresence,
		Severity: logging.SeverityInfo,
		Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
		Targets:  []logging.EntityRef{{ID: cs.id, Kind: logging.EntityKindConnection}},
		Extra:    map[string]any{"playerId": msg.PlayerID},
	})
	return nil
}

// publishAuthFailureLocked reports a rejected register attempt (§7 error
// kind 3: invalid or expired session token). Must be called with mu held.
func (s *Shard) publishAuthFailureLocked(cs *connectionState, claimedPlayerID string) {
	s.publish(logging.Event{
		Type:     "connection.auth_failed",
		Category: logging.CategoryPresence,
		Severity: logging.SeverityInfo,
		Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
		Targets:  []logging.EntityRef{{ID: cs.id, Kind: logging.EntityKindConnection}},
		Extra:    map[string]any{"playerId": claimedPlayerID},
	})
}

// evictLocked forcibly removes a connection the shard still holds when a
// newer register displaces it, and closes its socket with the given
// close-frame code. SweepHeartbeats tears down timed-out connections on its
// own path. Must be called with mu held.
func (s *Shard) evictLocked(cs *connectionState, code int, reason string) {
	delete(s.conns, cs.id)
	if cs.registered {
		delete(s.byPlayer, cs.playerID)
	}
	_ = cs.conn.CloseWithCode(code, reason)
	s.publish(logging.Event{
		Type:     "connection.evicted",
		Category: logging.CategoryPresence,
		Severity: logging.SeverityInfo,
		Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
		Targets:  []logging.EntityRef{{ID: cs.id, Kind: logging.EntityKindConnection}},
		Extra:    map[string]any{"playerId": cs.playerID, "code": code},
	})
}

func (s *Shard) handlePositionLocked(cs *connectionState, msg codec.PositionMsg) error {
	if !cs.registered {
		return ErrNotRegistered
	}
	if !cs.lastPositionAt.IsZero() && s.now().Sub(cs.lastPositionAt) < s.cfg.PositionMinInterval {
		return nil // rate limited: drop silently, do not coalesce (SPEC_FULL §14b)
	}
	cs.position = msg.Position
	cs.hasPosition = true
	cs.lastPositionAt = s.now()
	s.scheduleRecalcLocked()
	return nil
}

func (s *Shard) handleSignalLocked(cs *connectionState, msg codec.SignalMsg) error {
	if !cs.registered {
		return ErrNotRegistered
	}
	target, ok := s.byPlayer[msg.TargetID]
	if !ok {
		s.counters.RecordSignalFailed()
		s.writeTo(cs, codec.NewSignalDeliveryFailed(msg.TargetID))
		s.publish(logging.Event{
			Type:     "signal.delivery_failed",
			Category: logging.CategorySignaling,
			Severity: logging.SeverityWarn,
			Actor:    logging.EntityRef{ID: cs.playerID, Kind: logging.EntityKindConnection},
			Targets:  []logging.EntityRef{{ID: msg.TargetID, Kind: logging.EntityKindSignal}},
		})
		return nil
	}
	s.counters.RecordSignalRelayed()
	s.writeTo(target, codec.NewSignalOut(cs.playerID, msg.Payload))
	s.publish(logging.Event{
		Type:     "signal.relayed",
		Category: logging.CategorySignaling,
		Severity: logging.SeverityDebug,
		Actor:    logging.EntityRef{ID: cs.playerID, Kind: logging.EntityKindConnection},
		Targets:  []logging.EntityRef{{ID: msg.TargetID, Kind: logging.EntityKindSignal}},
	})
	return nil
}

// scheduleRecalcLocked arms the debounced proximity recalculation if one
// isn't already pending. Must be called with mu held, after the caller's
// state changes: mu is released while the trigger is armed, so a trigger
// that runs the callback synchronously can take the lock in fireRecalc.
func (s *Shard) scheduleRecalcLocked() {
	if s.recalcPending || s.closed {
		return
	}
	s.recalcPending = true
	s.mu.Unlock()
	timer := s.afterFunc(s.cfg.ProximityDebounce, s.fireRecalc)
	s.mu.Lock()
	if s.recalcPending {
		s.recalcTimer = timer
	}
}

func (s *Shard) fireRecalc() {
	start := s.now()
	s.mu.Lock()
	s.recalcPending = false
	s.recalcTimer = nil
	s.recalcProximityLocked()
	s.mu.Unlock()
	s.counters.RecordRecalc(s.now().Sub(start))
}

// recalcProximityLocked recomputes, for every registered connection with a
// known position, which other players are within radius and sends a peers
// diff only when the observer's visible set actually changed (§4.4.3).
func (s *Shard) recalcProximityLocked() {
	candidates := make([]*connectionState, 0, len(s.byPlayer))
	for _, cs := range s.byPlayer {
		if cs.hasPosition {
			candidates = append(candidates, cs)
		}
	}

	for _, obs := range candidates {
		newPeers := make(map[string]float64, len(candidates))
		for _, other := range candidates {
			if other == obs {
				continue
			}
			d := geo.Distance(obs.position, other.position)
			if d <= s.cfg.ProximityRadiusMeters {
				newPeers[other.playerID] = d
			}
		}

		var added, removed []string
		distances := make(map[string]float64)
		positions := make(map[string]geo.Vector)
		changed := false

		for id, d := range newPeers {
			distances[id] = d
			old, existed := obs.peers[id]
			if !existed {
				added = append(added, id)
				changed = true
				continue
			}
			if absFloat(d-old) > s.cfg.DistanceChangeEpsilon {
				changed = true
			}
		}
		for id := range obs.peers {
			if _, still := newPeers[id]; !still {
				removed = append(removed, id)
				changed = true
			}
		}
		if !changed {
			continue
		}

		for id := range newPeers {
			if peer, ok := s.byPlayer[id]; ok {
				positions[id] = peer.position
			}
		}
		peerIDs := make([]string, 0, len(newPeers))
		for id := range newPeers {
			peerIDs = append(peerIDs, id)
		}

		obs.peers = newPeers
		msg := codec.PeersMsg{
			Ver:          codec.ProtocolVersion,
			Type:         codec.TypePeers,
			Peers:        peerIDs,
			Added:        added,
			Removed:      removed,
			Distances:    distances,
			Positions:    positions,
			TotalPlayers: len(s.byPlayer),
		}
		s.writeTo(obs, msg)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SweepHeartbeats disconnects any connection whose last heartbeat is older
// than the configured timeout (§4.4.4), called periodically by the caller
// that owns the shard's lifecycle (internal/app's registry ticker).
func (s *Shard) SweepHeartbeats() {
	s.mu.Lock()
	cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)
	var stale []*connectionState
	for _, cs := range s.conns {
		if cs.lastHeartbeat.Before(cutoff) {
			stale = append(stale, cs)
		}
	}
	for _, cs := range stale {
		delete(s.conns, cs.id)
		if cs.registered {
			delete(s.byPlayer, cs.playerID)
		}
	}
	if len(stale) > 0 {
		s.scheduleRecalcLocked()
	}
	s.mu.Unlock()

	for _, cs := range stale {
		s.counters.RecordHeartbeatTimeout()
		s.publish(logging.Event{
			Type:     "connection.heartbeat_timeout",
			Category: logging.CategoryPresence,
			Severity: logging.SeverityWarn,
			Actor:    logging.EntityRef{ID: string(s.id), Kind: logging.EntityKindShard},
			Targets:  []logging.EntityRef{{ID: cs.id, Kind: logging.EntityKindConnection}},
		})
		_ = cs.conn.CloseWithCode(1001, "heartbeat timeout")
	}
}

// Diagnostics returns a point-in-time snapshot of the shard's state,
// including this shard's own telemetry counters (§12).
func (s *Shard) Diagnostics() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	details := make([]ConnectionSnapshot, 0, len(s.conns))
	for _, cs := range s.conns {
		details = append(details, ConnectionSnapshot{
			PlayerID:              cs.playerID,
			Registered:            cs.registered,
			SecondsSinceHeartbeat: now.Sub(cs.lastHeartbeat).Seconds(),
		})
	}
	return Snapshot{
		CellID:                string(s.id),
		Connections:           len(s.conns),
		RegisteredConnections: len(s.byPlayer),
		PendingSessions:       len(s.pending),
		ConnectionDetails:     details,
		Counters:              s.counters.Snapshot(),
	}
}

// Close stops any pending debounce timer and marks the shard closed. It
// does not close individual connections; the caller retains ownership of
// socket teardown via Disconnect.
func (s *Shard) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.recalcTimer != nil {
		s.recalcTimer.Stop()
	}
}

func (s *Shard) writeTo(cs *connectionState, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logf("shard %s: marshal failed for connection %s: %v", s.id, cs.id, err)
		return
	}
	if _, ok := v.(codec.PeersMsg); ok {
		s.counters.RecordPeersFrame(len(data))
	}
	if err := cs.conn.Write(data); err != nil {
		s.logf("shard %s: write failed for connection %s: %v", s.id, cs.id, err)
	}
}

func (s *Shard) sendError(cs *connectionState, message string) {
	s.writeTo(cs, codec.NewError(message))
}

func (s *Shard) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Shard) publish(event logging.Event) {
	if s.publisher == nil {
		return
	}
	event.Time = s.now()
	event.CellID = string(s.id)
	s.publisher.Publish(context.Background(), event)
}
