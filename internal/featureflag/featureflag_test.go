package featureflag

import "testing"

func TestTransportMode_OrderingPrefersKVOverEnv(t *testing.T) {
	store := NewMemoryStore()
	r := NewResolver(store, EnvConfig{SFUEnabled: true})

	if mode := r.TransportMode(); mode != "sfu" {
		t.Fatalf("expected sfu from env default, got %q", mode)
	}

	store.Set(SFUTransportKey, "false")
	if mode := r.TransportMode(); mode != "p2p" {
		t.Fatalf("expected KV override to win, got %q", mode)
	}

	store.Unset(SFUTransportKey)
	if mode := r.TransportMode(); mode != "sfu" {
		t.Fatalf("expected fall back to env after unset, got %q", mode)
	}
}

func TestTransportMode_DefaultIsP2P(t *testing.T) {
	r := NewResolver(nil, EnvConfig{})
	if mode := r.TransportMode(); mode != "p2p" {
		t.Fatalf("expected p2p default, got %q", mode)
	}
}

func TestTransportMode_IgnoresMalformedOverride(t *testing.T) {
	store := NewMemoryStore()
	store.Set(SFUTransportKey, "not-a-bool")
	r := NewResolver(store, EnvConfig{SFUEnabled: true})
	if mode := r.TransportMode(); mode != "sfu" {
		t.Fatalf("expected fall back past malformed override, got %q", mode)
	}
}
