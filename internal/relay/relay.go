// Package relay resolves the list of ICE-style relay servers returned to a
// newly admitted client (§4.3 C4). It tries, in order: cached third-party
// credentials, a static JSON-encoded list from configuration, and finally a
// built-in STUN default — never failing admission over a relay-credential
// outage.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"proximityvoice/server/internal/telemetry"
)

// Config tunes the relay resolver from the environment (§6, §11).
type Config struct {
	TurnTokenID    string        `env:"TURN_TOKEN_ID"`
	TurnAPIToken   string        `env:"TURN_API_TOKEN"`
	TurnAPIURL     string        `env:"TURN_API_URL" envDefault:"https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"`
	TurnCacheTTL   time.Duration `env:"TURN_CACHE_TTL_SECONDS" envDefault:"24h"`
	ICEServersJSON string        `env:"ICE_SERVERS_JSON"`
	RequestTimeout time.Duration `env:"TURN_REQUEST_TIMEOUT" envDefault:"5s"`
}

const (
	minCacheTTL     = 5 * time.Second
	maxCacheTTL     = time.Hour
	fallbackTTL     = 60 * time.Second
	defaultSTUNURLs = "stun:stun.l.google.com:19302"
)

// IceServer mirrors the browser RTCIceServer shape (§6 IceServer).
type IceServer struct {
	URLs       any    `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// httpDoer is the narrow surface Resolver needs from *http.Client, letting
// tests substitute a fake without spinning up a listener.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves and caches relay-server lists. Safe for concurrent use;
// a single in-flight refresh is enforced via refreshMu so concurrent
// callers during a cache miss collapse into one upstream request instead of
// a thundering herd (§5 "single-inflight discipline").
type Resolver struct {
	cfg    Config
	client httpDoer
	now    func() time.Time
	logger telemetry.Logger
	counters *telemetry.Counters

	refreshMu sync.Mutex

	mu        sync.Mutex
	cached    []IceServer
	expiresAt time.Time
}

// Option customizes a Resolver, primarily for tests.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP transport used for the third-party
// credential fetch.
func WithHTTPClient(c httpDoer) Option { return func(r *Resolver) { r.client = c } }

// WithClock overrides the resolver's time source.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// New constructs a Resolver from Config.
func New(cfg Config, logger telemetry.Logger, counters *telemetry.Counters, opts ...Option) *Resolver {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Resolver{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
		logger:   logger,
		counters: counters,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the current relay-server list, refreshing the third-party
// cache if it is configured and expired, and otherwise falling through the
// chain described in §4.3.
func (r *Resolver) Resolve() []IceServer {
	if r.cfg.TurnTokenID != "" && r.cfg.TurnAPIToken != "" {
		if servers, ok := r.fromCacheOrFetch(); ok && len(servers) > 0 {
			return servers
		}
	}
	if servers, ok := parseStaticList(r.cfg.ICEServersJSON); ok && len(servers) > 0 {
		return servers
	}
	return defaultSTUN()
}

func (r *Resolver) fromCacheOrFetch() ([]IceServer, bool) {
	r.mu.Lock()
	if r.now().Before(r.expiresAt) && len(r.cached) > 0 {
		cached := r.cached
		r.mu.Unlock()
		r.recordCache(true)
		return cached, true
	}
	r.mu.Unlock()

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Re-check: another goroutine may have refreshed while we waited on
	// refreshMu.
	r.mu.Lock()
	if r.now().Before(r.expiresAt) && len(r.cached) > 0 {
		cached := r.cached
		r.mu.Unlock()
		r.recordCache(true)
		return cached, true
	}
	r.mu.Unlock()

	r.recordCache(false)
	servers, ttl, err := r.fetch()
	if err != nil {
		r.logf("relay: third-party credential fetch failed: %v", err)
		return nil, false
	}
	servers = filterValid(servers)
	if len(servers) == 0 {
		return nil, false
	}
	ttl = clampTTL(ttl)

	r.mu.Lock()
	r.cached = servers
	r.expiresAt = r.now().Add(ttl)
	r.mu.Unlock()
	return servers, true
}

type turnCredentialsResponse struct {
	IceServers IceServer `json:"iceServers"`
	TTL        *int64    `json:"ttl,omitempty"`
}

func (r *Resolver) fetch() ([]IceServer, time.Duration, error) {
	url := r.cfg.TurnAPIURL
	if url == "" {
		url = fmt.Sprintf("https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate", r.cfg.TurnTokenID)
	} else if bytes.Contains([]byte(url), []byte("%s")) {
		url = fmt.Sprintf(url, r.cfg.TurnTokenID)
	}

	body, _ := json.Marshal(map[string]any{"ttl": int64((24 * time.Hour).Seconds())})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.TurnAPIToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("relay: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("relay: upstream status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("relay: read body: %w", err)
	}

	var parsed turnCredentialsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, 0, fmt.Errorf("relay: decode body: %w", err)
	}

	ttl := r.cfg.TurnCacheTTL
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	if parsed.TTL != nil {
		ttl = time.Duration(*parsed.TTL) * time.Second
	}
	return []IceServer{parsed.IceServers}, ttl, nil
}

func (r *Resolver) recordCache(hit bool) {
	if r.counters != nil {
		r.counters.RecordRelayCache(hit)
	}
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minCacheTTL {
		return minCacheTTL
	}
	if ttl > maxCacheTTL {
		return maxCacheTTL
	}
	return ttl
}

// parseStaticList parses ICE_SERVERS_JSON (§6), filtering invalid entries.
func parseStaticList(raw string) ([]IceServer, bool) {
	if raw == "" {
		return nil, false
	}
	var servers []IceServer
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, false
	}
	return filterValid(servers), true
}

// filterValid drops entries whose `urls` field is neither a string nor a
// list of strings (§4.3, §6).
func filterValid(servers []IceServer) []IceServer {
	out := make([]IceServer, 0, len(servers))
	for _, s := range servers {
		if validURLs(s.URLs) {
			out = append(out, s)
		}
	}
	return out
}

func validURLs(urls any) bool {
	switch v := urls.(type) {
	case string:
		return v != ""
	case []any:
		if len(v) == 0 {
			return false
		}
		for _, item := range v {
			s, ok := item.(string)
			if !ok || s == "" {
				return false
			}
		}
		return true
	case []string:
		return len(v) > 0
	default:
		return false
	}
}

// defaultSTUN is the built-in last-resort entry (§4.3, §6 CELL_SIZE/defaults).
func defaultSTUN() []IceServer {
	return []IceServer{{URLs: defaultSTUNURLs}}
}
