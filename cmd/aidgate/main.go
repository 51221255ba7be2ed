// SPDX-License-Identifier: MIT

// Command aidgate runs the fallback dispatch daemon for the encoding fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vodway/aidgate/internal/alert"
	"github.com/vodway/aidgate/internal/cache"
	"github.com/vodway/aidgate/internal/cluster"
	"github.com/vodway/aidgate/internal/config"
	"github.com/vodway/aidgate/internal/daemon"
	"github.com/vodway/aidgate/internal/dispatch"
	"github.com/vodway/aidgate/internal/healer"
	"github.com/vodway/aidgate/internal/health"
	"github.com/vodway/aidgate/internal/jobstore"
	aidlog "github.com/vodway/aidgate/internal/log"
	"github.com/vodway/aidgate/internal/monitor"
	"github.com/vodway/aidgate/internal/persistence/sqlite"
	"github.com/vodway/aidgate/internal/registry"
	"github.com/vodway/aidgate/internal/telemetry"
	"github.com/vodway/aidgate/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.BuildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aidgate: %v\n", err)
		os.Exit(1)
	}

	aidlog.Configure(aidlog.Config{
		Level:   cfg.LogLevel,
		Service: "aidgate",
		Version: version.Version,
	})
	logger := aidlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig) error {
	logger := aidlog.WithComponent("daemon")

	// Tracing is optional; a failed exporter setup is fatal because it means
	// the operator asked for traces and will not get them.
	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "aidgate",
		ServiceVersion: version.Version,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// The local encoder registry must be available before the API accepts a
	// single request; dying here is better than serving 403s to a valid fleet.
	reg, err := registry.Open(cfg.RegistryPath, aidlog.WithComponent("registry"))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if cfg.RegistrySeed != "" {
		if err := reg.ImportSeed(ctx, cfg.RegistrySeed); err != nil {
			return fmt.Errorf("registry seed: %w", err)
		}
		go func() {
			if err := reg.WatchSeed(ctx, cfg.RegistrySeed); err != nil {
				logger.Warn().Err(err).Msg("seed file watcher stopped")
			}
		}()
	}

	// The shared job store connects in the background so a slow or absent
	// store never blocks startup. Endpoints fail cleanly until it is up.
	storeCfg := sqlite.DefaultConfig()
	storeCfg.MaxOpenConns = cfg.JobStoreMaxConnections
	store := jobstore.New(cfg.JobStoreDSN, storeCfg, aidlog.WithComponent("jobstore"))
	store.ConnectBackground(ctx, cfg.JobStoreConnectBudget)

	directoryCache, closeCache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	directory := cluster.New(cfg.DirectoryURL, directoryCache, aidlog.WithComponent("cluster"))

	var notifier alert.Notifier = alert.NopNotifier{}
	if cfg.WebhookURL != "" {
		notifier = alert.NewWebhook(cfg.WebhookURL, aidlog.WithComponent("alert"))
	}
	gate := alert.NewGate(notifier, aidlog.WithComponent("alert"))

	svc := dispatch.NewService(store, gate, directory, aidlog.WithComponent("dispatch"))
	apiServer := dispatch.NewServer(svc, reg, version.Version, aidlog.WithComponent("api"),
		dispatch.WithRateLimit(cfg.RateLimitRPM),
		dispatch.WithTracing(cfg.TracingEnabled),
	)

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewFuncChecker("job_store", store.Ping))
	healthMgr.RegisterChecker(health.NewFuncChecker("registry", reg.Ping))
	if cfg.RegistrySeed != "" {
		healthMgr.RegisterChecker(health.NewFileChecker("registry_seed", cfg.RegistrySeed))
	}

	serverCfg := daemon.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.MetricsAddr = cfg.MetricsAddr
	serverCfg.TLSCert = cfg.TLSCert
	serverCfg.TLSKey = cfg.TLSKey

	mgr, err := daemon.NewManager(serverCfg, daemon.Deps{
		APIHandler:     withReadiness(apiServer.Handler(), healthMgr),
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Background loops start once the store reports ready so their first
	// pass has a live store to work against.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	tm := monitor.New(store, gate, cfg.MonitorInterval, cfg.ClaimTTL, aidlog.WithComponent("monitor"))
	hl := healer.New(store, gate, cfg.HealerInterval, aidlog.WithComponent("healer"))
	go func() {
		select {
		case <-loopCtx.Done():
			return
		case <-store.Ready():
		}
		go tm.Run(loopCtx)
		go hl.Run(loopCtx)
	}()

	// LIFO: the store and registry close last, after transport has drained.
	mgr.RegisterShutdownHook("tracer", tracer.Shutdown)
	mgr.RegisterShutdownHook("registry", func(context.Context) error { return reg.Close() })
	mgr.RegisterShutdownHook("job-store", func(context.Context) error { return store.Close() })
	mgr.RegisterShutdownHook("cache", func(context.Context) error { return closeCache() })
	mgr.RegisterShutdownHook("loops", func(context.Context) error {
		cancelLoops()
		return nil
	})

	return mgr.Start(ctx)
}

// buildCache selects the directory cache backend. The returned close function
// is always non-nil.
func buildCache(cfg config.AppConfig) (cache.Cache, func() error, error) {
	switch cfg.CacheBackend {
	case "redis":
		c, err := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: os.Getenv("AIDGATE_REDIS_PASSWORD"),
			DB:       cfg.RedisDB,
		}, aidlog.WithComponent("cache"))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "badger":
		c, err := cache.NewBadger(cfg.BadgerDir, aidlog.WithComponent("cache"))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		c := cache.NewMemory(10 * time.Minute)
		return c, func() error { c.Stop(); return nil }, nil
	}
}

// withReadiness mounts the readiness probe next to the API routes.
func withReadiness(api http.Handler, hm *health.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/aid/v1/ready", hm.ServeReady)
	mux.Handle("/", api)
	return mux
}
