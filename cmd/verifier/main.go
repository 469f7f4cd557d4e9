// verifier is the tapbeacon check-in backend.
//
// It validates tokens scanned from beacons (portal links and NFC records)
// against the shared secret and records check-ins in Redis/Dragonfly, or in
// memory when no Redis address is configured. After a key rotation, set
// verifier.previous_secret and verifier.previous_until so tokens signed with
// the old secret keep validating until the beacons have switched.
//
// Usage:
//
//	verifier -config /etc/tapbeacon/tapbeacon.yaml
//	verifier -addr :8090 -redis 127.0.0.1:6379 -rate-limit 5 -burst 10
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/checkin"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/config"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/otel"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/ratelimit"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", config.Path(os.Getenv), "Path to YAML config file")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	redisAddr := flag.String("redis", "", "Dragonfly/Redis address; empty keeps check-ins in memory (overrides config)")
	rateLimit := flag.Int("rate-limit", -1, "Requests per second per client IP (0 to disable, overrides config)")
	burst := flag.Int("burst", 0, "Rate limit burst size per client IP (overrides config)")
	flag.Parse()

	f, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	f.ApplyEnv(os.Getenv)
	if *addr != "" {
		f.Verifier.Listen = *addr
	}
	if *redisAddr != "" {
		f.Verifier.RedisAddr = *redisAddr
	}
	switch {
	case *rateLimit == 0:
		f.Verifier.RateLimit = -1
	case *rateLimit > 0:
		f.Verifier.RateLimit = *rateLimit
	}
	if *burst > 0 {
		f.Verifier.Burst = *burst
	}

	cfg, err := config.NewConfig(*f)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(ctx, "tapbeacon-verifier", version)
	if err != nil {
		log.Printf("WARNING: telemetry disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownOtel(sctx)
	}()

	gen, err := cfg.NewVerifierGenerator()
	if err != nil {
		log.Fatalf("Failed to create token generator: %v", err)
	}
	if rs, ok := gen.Rotation(); ok {
		log.Printf("[Keys] Accepting previous key %s until %s (current key %s)",
			rs.OldKeyID, rs.GraceUntil().Format(time.RFC3339), rs.NewKeyID)
	} else if len(cfg.Verifier.PreviousKey) > 0 {
		log.Printf("[Keys] previous_until %s has passed; previous key ignored",
			cfg.Verifier.PreviousUntil.Format(time.RFC3339))
	}

	store, err := openStore(cfg.Verifier)
	if err != nil {
		log.Fatalf("Failed to open check-in store: %v", err)
	}
	defer store.Close()

	var limiter *ratelimit.RateLimiter
	// rate_limit < 0 disables limiting; 0 takes the limiter default
	if cfg.Verifier.RateLimit >= 0 {
		limiter = ratelimit.NewRateLimiter(ratelimit.Config{
			RequestsPerSec: cfg.Verifier.RateLimit,
			Burst:          cfg.Verifier.Burst,
		})
		defer limiter.Stop()
	}

	api := checkin.NewAPI(gen, store, limiter)
	srv := &http.Server{
		Addr:              cfg.Verifier.Listen,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	log.Printf("verifier %s starting on %s (format=%s, tolerance=%s, redis=%q)",
		version, cfg.Verifier.Listen, gen.Format(), gen.Tolerance(), cfg.Verifier.RedisAddr)
	if limiter == nil {
		log.Printf("WARNING: rate limiting disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	case <-ctx.Done():
		log.Printf("Shutting down verifier...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}
}

func openStore(cfg config.VerifierConfig) (checkin.Store, error) {
	if cfg.RedisAddr == "" {
		log.Printf("WARNING: no Redis address configured; check-ins are kept in memory")
		return checkin.NewMemoryStore(cfg.Retention), nil
	}
	return checkin.NewRedisStore(cfg.RedisAddr, cfg.Retention)
}
