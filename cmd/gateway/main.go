// Package main provides the entry point for the crawl control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/dispatcher"
	"github.com/crawlnet/gateway/internal/engine"
	"github.com/crawlnet/gateway/internal/gateway"
	"github.com/crawlnet/gateway/internal/jobs"
	"github.com/crawlnet/gateway/internal/kvstore"
	"github.com/crawlnet/gateway/internal/memprobe"
	"github.com/crawlnet/gateway/internal/metrics"
	"github.com/crawlnet/gateway/internal/middleware"
	"github.com/crawlnet/gateway/internal/monitor"
	"github.com/crawlnet/gateway/internal/pool"
	"github.com/crawlnet/gateway/internal/ratelimit"
	"github.com/crawlnet/gateway/internal/types"
	"github.com/crawlnet/gateway/internal/webhook"
	"github.com/crawlnet/gateway/pkg/version"
)

func main() {
	// Handle --version flag early, before any initialization
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawlnet gateway %s\n", version.Full())
		return
	}

	cfg := config.Load()

	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	probe := memprobe.New()
	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	metricsStopCh := make(chan struct{})
	go metrics.StartMemoryCollector(5*time.Second, metricsStopCh)

	store := openKVStore(cfg)

	log.Info().Msg("Initializing browser pool...")
	browserPool, err := pool.New(cfg, probe)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	janitorEvents := make(chan types.JanitorEvent, 64)
	janitor := pool.NewJanitor(browserPool, cfg, probe, janitorEvents)

	disp := dispatcher.New(cfg, probe)

	overrides := ratelimit.NewOverrideManager(cfg.RateLimiterOverridePath, cfg.RateLimiterOverrideHotReload)
	limiter := ratelimit.NewWithOverrides(cfg, overrides)

	crawlEngine := engine.New("")

	mon := monitor.New(cfg, probe, browserPool)
	go forwardJanitorEvents(janitorEvents, mon)

	persistence := monitor.NewPersistenceWorker(mon, store, cfg)
	broker := monitor.NewPushBroker(mon, cfg)

	jobRegistry := jobs.NewRegistry(cfg, store)
	webhooks := webhook.New(cfg)

	gw := gateway.New(cfg, browserPool, disp, limiter, mon, persistence, broker, jobRegistry, webhooks, crawlEngine, probe)

	go janitor.Run()

	var finalHandler http.Handler = gw.Router()

	finalHandler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})(finalHandler)

	finalHandler = middleware.SecurityHeaders(finalHandler)

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Prevent slowloris attacks
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second, // Profiles can take time
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Str("dispatcher_mode", cfg.DispatcherMode).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("gateway is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}

	close(metricsStopCh)
	janitor.Stop(ctx)
	broker.Close()
	persistence.Close()
	jobRegistry.Close()
	webhooks.Close()
	mon.Close()
	limiter.Close()
	disp.Close()
	if err := overrides.Close(); err != nil {
		log.Error().Err(err).Msg("rate limiter override watcher close error")
	}
	if err := browserPool.Shutdown(ctx, cfg.DrainDeadline); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("KVStore close error")
	}

	log.Info().Msg("Shutdown complete")
}

// forwardJanitorEvents relays janitor sweep actions into the monitor's
// bounded event ring, dropping (never blocking) if the channel is closed.
func forwardJanitorEvents(events <-chan types.JanitorEvent, mon *monitor.Monitor) {
	for ev := range events {
		mon.TrackJanitor(ev)
	}
}

// openKVStore picks the configured persistence backend, falling back to
// an in-process store when Badger fails to open rather than refusing to
// start the control plane over a best-effort cache.
func openKVStore(cfg *config.Config) kvstore.Store {
	if cfg.KVStoreBackend != "badger" {
		return kvstore.NewMemoryStore()
	}
	store, err := kvstore.NewBadgerStore(cfg.BadgerDir)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.BadgerDir).Msg("Failed to open Badger store, falling back to in-memory")
		return kvstore.NewMemoryStore()
	}
	return store
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
  ____                    _            _
 / ___|_ __ __ ___      _| |_ __   ___| |_
| |   | '__/ _' \ \ /\ / / | '_ \ / _ \ __|
| |___| | | (_| |\ V  V /| | | | |  __/ |_
 \____|_|  \__,_| \_/\_/ |_|_| |_|\___|\__|
                                  Gateway
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting crawlnet gateway")
}
