package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inkrelay/inkrelay/internal/config"
	"github.com/inkrelay/inkrelay/internal/httpapi"
	"github.com/inkrelay/inkrelay/internal/inkrelay"
	"github.com/inkrelay/inkrelay/internal/syncrun"
)

func main() {
	configPath := flag.String("config", envOrDefault("INKRELAY_CONFIG", ""), "path to the YAML config file")
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	watch := flag.Bool("watch", false, "watch the spool directory and sync on change")
	interval := flag.Duration("interval", durationEnv("INKRELAY_INTERVAL", 0), "sync on a fixed interval (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	remoteToken := strings.TrimSpace(os.Getenv(cfg.Remote.TokenEnv))
	if remoteToken == "" {
		log.Fatalf("remote token missing: set %s", cfg.Remote.TokenEnv)
	}

	stateBackend, err := inkrelay.BuildStateBackendFromDSN(cfg.State.DSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := inkrelay.NewStore(inkrelay.StoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	defer store.Close()

	remote := inkrelay.NewHTTPRemoteClient(inkrelay.HTTPRemoteClientOptions{
		BaseURL: cfg.Remote.BaseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return remoteToken, nil
		},
	})

	fetcher, err := syncrun.NewSpoolFetcher(cfg.Sync.SpoolDir, log.Default())
	if err != nil {
		log.Fatalf("failed to open spool directory: %v", err)
	}

	hub := httpapi.NewEventHub()
	syncer, err := syncrun.NewSyncer(remote, store, fetcher, syncrun.SyncerOptions{
		FolderName: cfg.Remote.FolderName,
		MaxAgeDays: cfg.Cleanup.MaxAgeDays,
		Logger:     log.Default(),
		EventSink:  hub.Publish,
	})
	if err != nil {
		log.Fatalf("failed to build syncer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.ListenAddr != "" {
		server := httpapi.NewServerWithConfig(store, syncer, hub, httpapi.ServerConfig{
			AuthToken: strings.TrimSpace(os.Getenv(cfg.Server.AuthTokenEnv)),
		})
		go func() {
			log.Printf("status API listening on %s", cfg.Server.ListenAddr)
			if err := http.ListenAndServe(cfg.Server.ListenAddr, server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("status API failed: %v", err)
			}
		}()
	}

	switch {
	case *once:
		if _, err := syncer.RunOnce(ctx); err != nil {
			log.Fatalf("sync failed: %v", err)
		}
	case *watch:
		runWatchMode(ctx, cfg, syncer)
	default:
		every := *interval
		if every <= 0 {
			every = time.Duration(cfg.Sync.IntervalSecs) * time.Second
		}
		if every <= 0 {
			every = 15 * time.Minute
		}
		runIntervalMode(ctx, syncer, every)
	}
}

func runWatchMode(ctx context.Context, cfg config.Config, syncer *syncrun.Syncer) {
	// Pick up anything already spooled before waiting on change events.
	if _, err := syncer.RunOnce(ctx); err != nil {
		log.Printf("initial sync failed: %v", err)
	}

	debounce := time.Duration(cfg.Sync.WatcherDebounceMs) * time.Millisecond
	watcher, err := syncrun.NewWatcher(cfg.Sync.SpoolDir, debounce, func(ctx context.Context) {
		if _, err := syncer.RunOnce(ctx); err != nil {
			log.Printf("sync failed: %v", err)
		}
	}, log.Default())
	if err != nil {
		log.Fatalf("failed to watch spool directory: %v", err)
	}
	defer watcher.Stop()

	log.Printf("watching %s for new documents", cfg.Sync.SpoolDir)
	if err := watcher.Watch(ctx); err != nil {
		log.Fatalf("spool watcher failed: %v", err)
	}
}

func runIntervalMode(ctx context.Context, syncer *syncrun.Syncer, every time.Duration) {
	log.Printf("syncing every %s", every)
	timer := time.NewTimer(jitterInterval(every))
	defer timer.Stop()
	for {
		if _, err := syncer.RunOnce(ctx); err != nil {
			log.Printf("sync failed: %v", err)
		}
		timer.Reset(jitterInterval(every))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// jitterInterval spreads runs by up to 10% so multiple daemons hitting
// the same remote do not sync in lockstep.
func jitterInterval(every time.Duration) time.Duration {
	if every <= 0 {
		return every
	}
	jitter := time.Duration(rand.Int63n(int64(every)/10 + 1))
	return every + jitter
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
