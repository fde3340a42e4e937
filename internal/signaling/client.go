// Package signaling implements the signaling client (§4.6 C7): it opens
// the shard channel, completes the register handshake, drives the
// heartbeat and position-update cadences, and dispatches typed server
// frames to subscribers. It is the client-side counterpart to
// internal/shard and is used by integration tests and any Go-based bot or
// load-testing harness that needs to speak the shard-channel protocol
// without a browser.
package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/geo"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultPositionInterval  = 150 * time.Millisecond
	minPositionInterval      = 100 * time.Millisecond
)

// PeerManager is the subset of internal/arbiter.Arbiter the client pokes on
// every local position sample, kept as an interface so tests can substitute
// a stub instead of wiring a full Arbiter.
type PeerManager interface {
	UpdateLocalPosition(geo.Vector)
}

// Config tunes a Client's cadences (§4.6, §5).
type Config struct {
	// HeartbeatInterval between heartbeat frames while the channel is open.
	HeartbeatInterval time.Duration
	// PositionInterval between GetPosition polls; clamped to >= 100ms.
	PositionInterval time.Duration
	// GetPosition is polled at PositionInterval to source outbound
	// position frames. Required to enable the position cadence; a nil
	// value disables it entirely.
	GetPosition func() geo.Vector
	// PeerManager, if set, receives every locally sampled position.
	PeerManager PeerManager
	// OnSend, if set, is invoked with every position sampled and sent.
	OnSend func(geo.Vector)
}

type subscriberSet[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func newSubscriberSet[T any]() *subscriberSet[T] {
	return &subscriberSet[T]{subs: make(map[int]func(T))}
}

func (s *subscriberSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *subscriberSet[T]) dispatch(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Client is one open shard-channel connection from the client's side.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	playerID   string
	mu         sync.Mutex
	registered bool

	peersSubs        *subscriberSet[codec.PeersMsg]
	signalSubs       *subscriberSet[codec.SignalOutMsg]
	signalFailedSubs *subscriberSet[codec.SignalDeliveryFailedMsg]
	errorSubs        *subscriberSet[codec.ErrorMsg]
	registeredSubs   *subscriberSet[codec.RegisteredMsg]

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial opens the shard channel at url and starts its read loop. The caller
// must call Register before position/signal frames have any effect.
func Dial(url string, cfg Config) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PositionInterval == 0 {
		cfg.PositionInterval = defaultPositionInterval
	} else if cfg.PositionInterval < minPositionInterval {
		cfg.PositionInterval = minPositionInterval
	}

	c := &Client{
		cfg:              cfg,
		conn:             conn,
		peersSubs:        newSubscriberSet[codec.PeersMsg](),
		signalSubs:       newSubscriberSet[codec.SignalOutMsg](),
		signalFailedSubs: newSubscriberSet[codec.SignalDeliveryFailedMsg](),
		errorSubs:        newSubscriberSet[codec.ErrorMsg](),
		registeredSubs:   newSubscriberSet[codec.RegisteredMsg](),
		done:             make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()
	c.wg.Add(1)
	go c.heartbeatLoop()
	if cfg.GetPosition != nil {
		c.wg.Add(1)
		go c.positionLoop()
	}
	return c, nil
}

// Register sends the register frame that consumes the admission handler's
// one-time session token (§4.1, §4.4.2).
func (c *Client) Register(playerID, sessionToken string) error {
	c.mu.Lock()
	c.playerID = playerID
	c.mu.Unlock()

	return c.send(struct {
		Type         string `json:"type"`
		PlayerID     string `json:"playerId"`
		SessionToken string `json:"sessionToken"`
	}{Type: codec.TypeRegister, PlayerID: playerID, SessionToken: sessionToken})
}

// SendSignal forwards an opaque signaling payload to targetID (§4.1).
func (c *Client) SendSignal(targetID string, payload json.RawMessage) error {
	return c.send(struct {
		Type     string          `json:"type"`
		TargetID string          `json:"targetId"`
		Payload  json.RawMessage `json:"payload"`
	}{Type: codec.TypeSignal, TargetID: targetID, Payload: payload})
}

// OnPeers subscribes to `peers` diff frames, returning a disposer.
func (c *Client) OnPeers(fn func(codec.PeersMsg)) func() { return c.peersSubs.add(fn) }

// OnSignal subscribes to relayed `signal` frames, returning a disposer.
func (c *Client) OnSignal(fn func(codec.SignalOutMsg)) func() { return c.signalSubs.add(fn) }

// OnSignalDeliveryFailed subscribes to `signal-delivery-failed` frames.
func (c *Client) OnSignalDeliveryFailed(fn func(codec.SignalDeliveryFailedMsg)) func() {
	return c.signalFailedSubs.add(fn)
}

// OnError subscribes to `error` frames.
func (c *Client) OnError(fn func(codec.ErrorMsg)) func() { return c.errorSubs.add(fn) }

// OnRegistered subscribes to the `registered` acknowledgment.
func (c *Client) OnRegistered(fn func(codec.RegisteredMsg)) func() { return c.registeredSubs.add(fn) }

// Close stops every timer and closes the underlying socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case codec.TypeRegistered:
			var msg codec.RegisteredMsg
			if json.Unmarshal(data, &msg) == nil {
				c.mu.Lock()
				c.registered = true
				c.mu.Unlock()
				c.registeredSubs.dispatch(msg)
			}
		case codec.TypePeers:
			var msg codec.PeersMsg
			if json.Unmarshal(data, &msg) == nil {
				c.peersSubs.dispatch(msg)
			}
		case codec.TypeSignalOut:
			var msg codec.SignalOutMsg
			if json.Unmarshal(data, &msg) == nil {
				c.signalSubs.dispatch(msg)
			}
		case codec.TypeSignalDeliveryFailed:
			var msg codec.SignalDeliveryFailedMsg
			if json.Unmarshal(data, &msg) == nil {
				c.signalFailedSubs.dispatch(msg)
			}
		case codec.TypeError:
			var msg codec.ErrorMsg
			if json.Unmarshal(data, &msg) == nil {
				c.errorSubs.dispatch(msg)
			}
		}
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.send(struct {
				Type string `json:"type"`
			}{Type: codec.TypeHeartbeat})
		}
	}
}

func (c *Client) positionLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PositionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			registered := c.registered
			c.mu.Unlock()
			if !registered {
				continue
			}
			pos := c.cfg.GetPosition()
			if err := c.send(struct {
				Type     string     `json:"type"`
				Position geo.Vector `json:"position"`
			}{Type: codec.TypePosition, Position: pos}); err != nil {
				return
			}
			if c.cfg.PeerManager != nil {
				c.cfg.PeerManager.UpdateLocalPosition(pos)
			}
			if c.cfg.OnSend != nil {
				c.cfg.OnSend(pos)
			}
		}
	}
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signaling: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
