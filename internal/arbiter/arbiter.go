// Package arbiter implements the client-side proximity arbiter (§4.5): the
// decision layer that turns a stream of server peer diffs and local/peer
// position updates into connect/disconnect events for media machinery. It
// never opens a socket or negotiates media itself.
package arbiter

import (
	"math"
	"sort"
	"sync"
	"time"

	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/geo"
)

// Config tunes the arbiter's admit/evict thresholds (§4.5).
type Config struct {
	ConnectRadius              float64
	DisconnectRadiusMultiplier float64
	MaxPeers                   int
	EvaluationDebounce         time.Duration
}

// DefaultConfig returns the defaults named in §4.5.
func DefaultConfig() Config {
	return Config{
		ConnectRadius:              30,
		DisconnectRadiusMultiplier: 1.5,
		MaxPeers:                   8,
		EvaluationDebounce:         250 * time.Millisecond,
	}
}

const candidateRetention = 60 * time.Second

// Event is a connect/disconnect decision emitted by an evaluation pass.
type Event struct {
	Connect bool
	PeerID  string
}

// stopper mirrors the subset of *time.Timer the debounce logic needs,
// narrowed the same way internal/shard narrows its own recompute timer so
// tests can substitute a synchronous trigger.
type stopper interface {
	Stop() bool
}

type candidate struct {
	distance    float64
	hasExplicit bool
	lastUpdated time.Time
	position    geo.Vector
	hasPosition bool
}

// Arbiter holds one player's view of nearby candidates and decides which
// ones currently have an active media link. Safe for concurrent use.
type Arbiter struct {
	cfg Config

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
	emit      func(Event)

	mu          sync.Mutex
	localPos    geo.Vector
	hasLocalPos bool
	candidates  map[string]*candidate
	connected   map[string]bool
	evalPending bool
	evalTimer   stopper
}

// Option customizes an Arbiter at construction.
type Option func(*Arbiter)

// WithClock overrides the arbiter's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// WithDebounceTrigger overrides how the arbiter schedules its debounced
// evaluation pass, letting tests fire it synchronously.
func WithDebounceTrigger(afterFunc func(d time.Duration, f func()) stopper) Option {
	return func(a *Arbiter) { a.afterFunc = afterFunc }
}

// New constructs an Arbiter. emit is called once per connect/disconnect
// decision, in the ordering guaranteed by §4.5 (disconnects, then connects
// ascending by distance).
func New(cfg Config, emit func(Event), opts ...Option) *Arbiter {
	a := &Arbiter{
		cfg:        cfg,
		now:        time.Now,
		emit:       emit,
		candidates: make(map[string]*candidate),
		connected:  make(map[string]bool),
	}
	a.afterFunc = func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UpdateLocalPosition recomputes every candidate's distance from its last
// known position (marked non-explicit) and schedules an evaluation.
func (a *Arbiter) UpdateLocalPosition(v geo.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localPos = v
	a.hasLocalPos = true
	for _, c := range a.candidates {
		if c.hasExplicit {
			continue
		}
		if c.hasPosition {
			c.distance = geo.Distance(v, c.position)
		} else {
			c.distance = math.Inf(1)
		}
	}
	a.scheduleEvalLocked()
}

// UpdatePeerPosition stores or clears a candidate's position. A nil hasPos
// (signaled by ok=false) clears the stored position.
func (a *Arbiter) UpdatePeerPosition(id string, v geo.Vector, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.candidateLocked(id)
	c.hasExplicit = false
	if !ok {
		c.hasPosition = false
		c.distance = math.Inf(1)
		c.lastUpdated = a.now()
		a.scheduleEvalLocked()
		return
	}
	c.position = v
	c.hasPosition = true
	if a.hasLocalPos {
		c.distance = geo.Distance(a.localPos, v)
	} else {
		c.distance = math.Inf(1)
	}
	c.lastUpdated = a.now()
	a.scheduleEvalLocked()
}

// UpdatePeerDistance records an explicit distance for a candidate. ok=false
// clears it to +Inf.
func (a *Arbiter) UpdatePeerDistance(id string, d float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.candidateLocked(id)
	c.hasExplicit = true
	if !ok {
		c.distance = math.Inf(1)
	} else {
		c.distance = d
	}
	c.lastUpdated = a.now()
	a.scheduleEvalLocked()
}

// ApplyPeerDiff folds a server peers frame into the candidate set: an
// absolute Peers list replaces membership, Added/Removed apply deltas, and
// any Distances/Positions maps are folded in.
func (a *Arbiter) ApplyPeerDiff(msg codec.PeersMsg) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case len(msg.Peers) > 0:
		// Absolute membership list: replaces the candidate set outright.
		want := make(map[string]bool, len(msg.Peers))
		for _, id := range msg.Peers {
			want[id] = true
			a.candidateLocked(id)
		}
		for id := range a.candidates {
			if !want[id] {
				delete(a.candidates, id)
			}
		}
	case len(msg.Added) > 0 || len(msg.Removed) > 0:
		for _, id := range msg.Added {
			a.candidateLocked(id)
		}
		for _, id := range msg.Removed {
			delete(a.candidates, id)
		}
	}

	for id, d := range msg.Distances {
		if c, ok := a.candidates[id]; ok {
			c.hasExplicit = true
			c.distance = d
			c.lastUpdated = a.now()
		}
	}
	for id, p := range msg.Positions {
		if c, ok := a.candidates[id]; ok && !c.hasExplicit {
			c.position = p
			c.hasPosition = true
			if a.hasLocalPos {
				c.distance = geo.Distance(a.localPos, p)
			}
			c.lastUpdated = a.now()
		}
	}
	a.scheduleEvalLocked()
}

// RemovePeer unconditionally forgets a candidate, emitting disconnect if it
// was connected.
func (a *Arbiter) RemovePeer(id string) {
	a.mu.Lock()
	delete(a.candidates, id)
	wasConnected := a.connected[id]
	if wasConnected {
		delete(a.connected, id)
	}
	a.mu.Unlock()

	if wasConnected {
		a.emit(Event{Connect: false, PeerID: id})
	}
}

func (a *Arbiter) candidateLocked(id string) *candidate {
	c, ok := a.candidates[id]
	if !ok {
		c = &candidate{distance: math.Inf(1), lastUpdated: a.now()}
		a.candidates[id] = c
	}
	return c
}

// scheduleEvalLocked arms the debounced evaluation if one isn't already
// pending. Must be called with mu held, as the caller's last state change:
// mu is released while the trigger is armed, so a trigger that runs the
// callback synchronously can take the lock in evaluate.
func (a *Arbiter) scheduleEvalLocked() {
	if a.evalPending {
		return
	}
	a.evalPending = true
	a.mu.Unlock()
	timer := a.afterFunc(a.cfg.EvaluationDebounce, a.evaluate)
	a.mu.Lock()
	if a.evalPending {
		a.evalTimer = timer
	}
}

// evaluate runs one evaluation pass per §4.5 steps 1-6.
func (a *Arbiter) evaluate() {
	a.mu.Lock()
	a.evalPending = false
	a.evalTimer = nil

	dOut := a.cfg.ConnectRadius * a.cfg.DisconnectRadiusMultiplier

	var toDisconnect []string
	for id := range a.connected {
		c, isCandidate := a.candidates[id]
		if !isCandidate || c.distance > dOut {
			toDisconnect = append(toDisconnect, id)
		}
	}
	sort.Strings(toDisconnect)
	for _, id := range toDisconnect {
		delete(a.connected, id)
	}

	freeSlots := a.cfg.MaxPeers - len(a.connected)
	disconnectedThisPass := make(map[string]bool, len(toDisconnect))
	for _, id := range toDisconnect {
		disconnectedThisPass[id] = true
	}

	var toConnect []string
	if freeSlots > 0 {
		type scored struct {
			id string
			d  float64
		}
		var pool []scored
		for id, c := range a.candidates {
			if a.connected[id] || disconnectedThisPass[id] {
				continue
			}
			if c.distance <= a.cfg.ConnectRadius {
				pool = append(pool, scored{id, c.distance})
			}
		}
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].d != pool[j].d {
				return pool[i].d < pool[j].d
			}
			return pool[i].id < pool[j].id
		})
		if len(pool) > freeSlots {
			pool = pool[:freeSlots]
		}
		for _, s := range pool {
			toConnect = append(toConnect, s.id)
			a.connected[s.id] = true
		}
	}

	cutoff := a.now().Add(-candidateRetention)
	for id, c := range a.candidates {
		if c.lastUpdated.Before(cutoff) && !a.connected[id] {
			delete(a.candidates, id)
		}
	}
	a.mu.Unlock()

	for _, id := range toDisconnect {
		a.emit(Event{Connect: false, PeerID: id})
	}
	for _, id := range toConnect {
		a.emit(Event{Connect: true, PeerID: id})
	}
}

// Connected reports the currently connected peer ids, for diagnostics and
// tests.
func (a *Arbiter) Connected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.connected))
	for id := range a.connected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
