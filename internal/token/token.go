// Package token mints and verifies the short-lived session tokens the
// admission handler hands out to authorize one register on a shard
// channel (§3 PendingSession, §9 "session token" in the GLOSSARY).
//
// Tokens are HMAC-signed JWTs binding playerId and cellId with a 60s
// expiry, grounded on the JWT-as-capability pattern in
// join_grant.go (louisbranch-fracturing.space) rather than a bare random
// string: the signature lets a shard (or any future front-door replica)
// verify the capability without a shared database lookup.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TTL is the one-time capability's lifetime (§3, §4.4.1, §5).
const TTL = 60 * time.Second

// ErrInvalid is returned for tokens that fail signature verification,
// are expired, or do not match the expected player/cell.
var ErrInvalid = errors.New("token: invalid session token")

type claims struct {
	jwt.RegisteredClaims
	PlayerID string `json:"playerId"`
	CellID   string `json:"cellId"`
}

// Minter signs and verifies session tokens with a single server-held
// secret. It is safe for concurrent use.
type Minter struct {
	secret []byte
	now    func() time.Time
}

// NewMinter constructs a Minter using the given HMAC secret. now defaults
// to time.Now when nil, overridable in tests.
func NewMinter(secret []byte, now func() time.Time) *Minter {
	if now == nil {
		now = time.Now
	}
	return &Minter{secret: secret, now: now}
}

// Mint issues a fresh session token scoped to one playerId/cellId pair,
// valid for TTL.
func (m *Minter) Mint(playerID, cellID string) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
		},
		PlayerID: playerID,
		CellID:   cellID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns the bound
// playerId/cellId. It does not consult any shard state — that one-time
// consumption semantics live in the shard's pending-session table (§4.4.1).
func (m *Minter) Verify(raw string) (playerID, cellID string, err error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method", ErrInvalid)
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.PlayerID == "" || c.CellID == "" {
		return "", "", ErrInvalid
	}
	return c.PlayerID, c.CellID, nil
}
