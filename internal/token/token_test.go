package token

import (
	"testing"
	"time"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	m := NewMinter([]byte("secret"), nil)
	tok, err := m.Mint("player-1", "cell:0:0:0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	playerID, cellID, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if playerID != "player-1" || cellID != "cell:0:0:0" {
		t.Fatalf("unexpected claims: %s %s", playerID, cellID)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m := NewMinter([]byte("secret"), func() time.Time { return clock })
	tok, err := m.Mint("player-1", "cell:0:0:0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	clock = base.Add(TTL + time.Second)
	if _, _, err := m.Verify(tok); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}
}

func TestMintProducesDistinctTokensForIdenticalClaims(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMinter([]byte("secret"), func() time.Time { return base })
	tok1, err := m.Mint("player-1", "cell:0:0:0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tok2, err := m.Mint("player-1", "cell:0:0:0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok1 == tok2 {
		t.Fatalf("expected two tokens minted with identical claims at the same instant to differ")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1 := NewMinter([]byte("secret-a"), nil)
	m2 := NewMinter([]byte("secret-b"), nil)
	tok, err := m1.Mint("player-1", "cell:0:0:0")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := m2.Verify(tok); err == nil {
		t.Fatalf("expected verification with a different secret to fail")
	}
}
