// Package app wires the shard registry, admission handler, relay resolver,
// and HTTP layer into a runnable process, grounded on the teacher's
// internal/app/app.go (config load → logging router → hub → HTTP server).
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	envpkg "github.com/caarlos0/env/v11"

	"proximityvoice/server/internal/admission"
	"proximityvoice/server/internal/featureflag"
	servernet "proximityvoice/server/internal/net"
	"proximityvoice/server/internal/relay"
	"proximityvoice/server/internal/shard"
	"proximityvoice/server/internal/telemetry"
	"proximityvoice/server/internal/token"
	"proximityvoice/server/logging"
	"proximityvoice/server/logging/sinks"
)

// envConfig aggregates every env-tagged struct this process parses at
// startup (§10 "one Config struct per concern").
type envConfig struct {
	Addr             string `env:"LISTEN_ADDR" envDefault:":8080"`
	SessionSecretHex string `env:"SESSION_TOKEN_SECRET"`
}

// Run builds every component and serves until the HTTP listener fails.
// Cancelling ctx does not stop the server; ctx is only passed to the
// logging router's Close on the way out.
func Run(ctx context.Context) error {
	telemetryLogger := telemetry.WrapLogger(log.Default())

	var cfg envConfig
	if err := envpkg.Parse(&cfg); err != nil {
		return fmt.Errorf("app: parse env: %w", err)
	}

	var shardCfg shard.Config
	if err := envpkg.Parse(&shardCfg); err != nil {
		return fmt.Errorf("app: parse shard config: %w", err)
	}
	if shardCfg == (shard.Config{}) {
		shardCfg = shard.DefaultConfig()
	}

	var relayCfg relay.Config
	if err := envpkg.Parse(&relayCfg); err != nil {
		return fmt.Errorf("app: parse relay config: %w", err)
	}

	var flagsEnv featureflag.EnvConfig
	if err := envpkg.Parse(&flagsEnv); err != nil {
		return fmt.Errorf("app: parse feature flag config: %w", err)
	}

	var admissionCfg admission.Config
	if err := envpkg.Parse(&admissionCfg); err != nil {
		return fmt.Errorf("app: parse admission config: %w", err)
	}
	if admissionCfg.RequireAuthToken {
		telemetryLogger.Printf("admission: authToken enforcement enabled")
	} else {
		telemetryLogger.Printf("admission: authToken accepted but not verified (§9 open question a)")
	}

	logConfig := logging.DefaultConfig()
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("app: construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	secret := []byte(cfg.SessionSecretHex)
	if len(secret) == 0 {
		telemetryLogger.Printf("app: SESSION_TOKEN_SECRET unset, using an ephemeral in-process secret")
		secret = ephemeralSecret()
	}
	minter := token.NewMinter(secret, nil)

	registry := shard.NewRegistry(shardCfg, telemetryLogger,
		shard.WithPublisher(router),
		shard.WithTokenVerifier(minter),
	)

	// The relay resolver's cache hit/miss counters are process-wide, not
	// per-cell: ICE/STUN/TURN credentials are fetched once and shared
	// across whichever shard needs them, so they get their own Counters
	// rather than any one shard's.
	relayResolver := relay.New(relayCfg, telemetryLogger, telemetry.NewCounters())
	flags := featureflag.NewResolver(featureflag.NewMemoryStore(), flagsEnv)
	admissionSvc := admission.New(admissionCfg, registry, minter, relayResolver, flags, telemetryLogger)

	stop := make(chan struct{})
	go registry.RunHeartbeatSweeper(shardCfg.HeartbeatTimeout, stop)
	defer close(stop)

	handler := servernet.NewHandler(servernet.HandlerConfig{
		Admission: admissionSvc,
		Registry:  registry,
		Logger:    telemetryLogger,
		EventLog:  router,
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("app: server failed: %w", err)
	}
	return nil
}

func ephemeralSecret() []byte {
	// 32 bytes of process-local randomness; session tokens minted with it
	// only need to verify within this process's lifetime (§3 PendingSession
	// is never persisted across restarts).
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
