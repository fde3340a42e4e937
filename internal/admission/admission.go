// Package admission implements the session-token admission handshake
// (§4.2 C3): validating a join request, deriving the owning cell, minting a
// one-time session token, asking that cell's shard to pre-register it, and
// assembling the relay-server list the client needs for its media
// transport. It is deliberately transport-agnostic; internal/net adapts it
// to an http.Handler.
package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"proximityvoice/server/internal/featureflag"
	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/relay"
	"proximityvoice/server/internal/shard"
	"proximityvoice/server/internal/telemetry"
	"proximityvoice/server/internal/token"
)

// Config tunes the admission handler (§9 Open Question (a)).
type Config struct {
	// RequireAuthToken, when set, makes Request.AuthToken a required shared
	// secret checked in constant time. When unset, AuthToken is accepted
	// and ignored (logged once at startup by the caller).
	RequireAuthToken bool   `env:"ADMISSION_REQUIRE_AUTH_TOKEN" envDefault:"false"`
	SharedAuthToken  string `env:"ADMISSION_SHARED_AUTH_TOKEN"`
}

// Request is the transport-agnostic join request (§4.2, §6 `/join`).
type Request struct {
	PlayerID  string
	Position  geo.Vector
	AuthToken string
}

// Result is everything the HTTP layer needs to build the `/join` response
// body (§6); CellWebSocketURL is assembled by the caller, which alone knows
// the request's scheme/host/forwarded headers.
type Result struct {
	CellID        geo.CellID
	SessionToken  string
	TransportMode string
	IceServers    []relay.IceServer
}

var (
	// ErrInvalidPlayerID is returned for an empty playerId.
	ErrInvalidPlayerID = errors.New("admission: playerId must be non-empty")
	// ErrInvalidPosition is returned for a non-finite position.
	ErrInvalidPosition = errors.New("admission: position must be finite")
	// ErrInvalidAuthToken is returned when RequireAuthToken is set and the
	// request's token does not match the configured shared secret.
	ErrInvalidAuthToken = errors.New("admission: invalid auth token")
)

// Service implements the admission handshake.
type Service struct {
	cfg      Config
	registry *shard.Registry
	minter   *token.Minter
	relay    *relay.Resolver
	flags    *featureflag.Resolver
	logger   telemetry.Logger
}

// New constructs an admission Service.
func New(cfg Config, registry *shard.Registry, minter *token.Minter, relayResolver *relay.Resolver, flags *featureflag.Resolver, logger telemetry.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		minter:   minter,
		relay:    relayResolver,
		flags:    flags,
		logger:   logger,
	}
}

// Admit validates req, derives its cell, mints a session token, and asks
// the target shard to pre-register it (§4.2, §4.4.1).
func (s *Service) Admit(ctx context.Context, req Request) (Result, error) {
	if req.PlayerID == "" {
		return Result{}, ErrInvalidPlayerID
	}
	if !req.Position.Finite() {
		return Result{}, ErrInvalidPosition
	}
	if s.cfg.RequireAuthToken {
		if !constantTimeEqual(req.AuthToken, s.cfg.SharedAuthToken) {
			return Result{}, ErrInvalidAuthToken
		}
	}

	cellID := geo.CellFor(req.Position)

	sessionToken, err := s.minter.Mint(req.PlayerID, string(cellID))
	if err != nil {
		return Result{}, fmt.Errorf("admission: mint session token: %w", err)
	}

	sh := s.registry.ForCell(cellID)
	sh.Prepare(req.PlayerID, sessionToken)

	var iceServers []relay.IceServer
	if s.relay != nil {
		iceServers = s.relay.Resolve()
	}

	transportMode := "p2p"
	if s.flags != nil {
		transportMode = s.flags.TransportMode()
	}

	return Result{
		CellID:        cellID,
		SessionToken:  sessionToken,
		TransportMode: transportMode,
		IceServers:    iceServers,
	}, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
