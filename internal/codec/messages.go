// Package codec decodes and encodes the shard-channel JSON message set
// (§4.1). Decoding fails closed: anything that is not valid JSON, is
// missing a type, or fails per-variant shape validation is rejected before
// it reaches the shard actor.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"proximityvoice/server/internal/geo"
)

// ProtocolVersion is stamped on every outbound frame, the way the teacher
// tags its own wire messages with a Ver field for forward compatibility.
const ProtocolVersion = 1

// Inbound message types accepted on the shard channel.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypePosition  = "position"
	TypeSignal    = "signal"
)

// Outbound message types emitted by the shard.
const (
	TypeRegistered           = "registered"
	TypePeers                = "peers"
	TypeSignalOut            = "signal"
	TypeSignalDeliveryFailed = "signal-delivery-failed"
	TypeError                = "error"
)

// envelope is the minimal shape every inbound frame must satisfy before
// per-variant validation runs.
type envelope struct {
	Type string `json:"type"`
}

// Inbound is the decoded union of client-sent frames. At most one of the
// typed fields is populated, selected by Type; a heartbeat populates none.
type Inbound struct {
	Type     string
	Register RegisterMsg
	Position PositionMsg
	Signal   SignalMsg
}

// RegisterMsg authenticates a pending session against a freshly opened
// socket.
type RegisterMsg struct {
	PlayerID     string `json:"playerId"`
	SessionToken string `json:"sessionToken"`
}

// PositionMsg reports the sender's current world position.
type PositionMsg struct {
	Position geo.Vector `json:"position"`
}

// SignalMsg carries an opaque media-negotiation payload addressed to
// another player in the same shard. Payload is never inspected or
// validated beyond being present, valid JSON.
type SignalMsg struct {
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

var (
	// ErrNotText is returned for non-text (e.g. binary) frames.
	ErrNotText = errors.New("codec: binary frames are not accepted")
	// ErrMalformed is returned for frames that are not valid JSON or are
	// missing a recognizable type.
	ErrMalformed = errors.New("codec: malformed frame")
	// ErrUnknownType is returned for a syntactically valid envelope whose
	// type is not one of the known inbound variants.
	ErrUnknownType = errors.New("codec: unknown message type")
)

// Decode parses a single text frame into the inbound union, validating
// per-variant field shape. It never trusts or inspects SignalMsg.Payload
// beyond requiring it be present and syntactically valid JSON.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypeRegister:
		var msg RegisterMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.PlayerID == "" || msg.SessionToken == "" {
			return Inbound{}, fmt.Errorf("%w: register requires playerId and sessionToken", ErrMalformed)
		}
		return Inbound{Type: TypeRegister, Register: msg}, nil

	case TypeHeartbeat:
		return Inbound{Type: TypeHeartbeat}, nil

	case TypePosition:
		var msg PositionMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !msg.Position.Finite() {
			return Inbound{}, fmt.Errorf("%w: position must be finite", ErrMalformed)
		}
		return Inbound{Type: TypePosition, Position: msg}, nil

	case TypeSignal:
		var msg SignalMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.TargetID == "" {
			return Inbound{}, fmt.Errorf("%w: signal requires targetId", ErrMalformed)
		}
		if len(msg.Payload) == 0 {
			return Inbound{}, fmt.Errorf("%w: signal requires payload", ErrMalformed)
		}
		return Inbound{Type: TypeSignal, Signal: msg}, nil

	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// RegisteredMsg acknowledges a successful register.
type RegisteredMsg struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

// NewRegistered builds a registered frame for the given player.
func NewRegistered(playerID string) RegisteredMsg {
	return RegisteredMsg{Ver: ProtocolVersion, Type: TypeRegistered, PlayerID: playerID}
}

// PeersMsg is the per-observer proximity diff (§4.4.3).
type PeersMsg struct {
	Ver          int                   `json:"ver"`
	Type         string                `json:"type"`
	Peers        []string              `json:"peers"`
	Added        []string              `json:"added,omitempty"`
	Removed      []string              `json:"removed,omitempty"`
	Distances    map[string]float64    `json:"distances,omitempty"`
	Positions    map[string]geo.Vector `json:"positions,omitempty"`
	TotalPlayers int                   `json:"totalPlayers"`
}

// SignalOutMsg relays an opaque signaling payload from one player to
// another within the same shard.
type SignalOutMsg struct {
	Ver     int             `json:"ver"`
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// NewSignalOut builds a signal frame forwarding payload verbatim.
func NewSignalOut(from string, payload json.RawMessage) SignalOutMsg {
	return SignalOutMsg{Ver: ProtocolVersion, Type: TypeSignalOut, From: from, Payload: payload}
}

// SignalDeliveryFailedMsg tells the sender that targetId could not be
// reached in this shard.
type SignalDeliveryFailedMsg struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

// NewSignalDeliveryFailed builds a signal-delivery-failed frame.
func NewSignalDeliveryFailed(targetID string) SignalDeliveryFailedMsg {
	return SignalDeliveryFailedMsg{Ver: ProtocolVersion, Type: TypeSignalDeliveryFailed, TargetID: targetID}
}

// ErrorMsg is sent to the client for malformed frames or authentication
// failures.
type ErrorMsg struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error frame with the given message.
func NewError(message string) ErrorMsg {
	return ErrorMsg{Ver: ProtocolVersion, Type: TypeError, Message: message}
}
