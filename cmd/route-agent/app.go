package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/RouteBox/config"
	"github.com/BearBump/RouteBox/internal/broker/kafka"
	"github.com/BearBump/RouteBox/internal/cache"
	"github.com/BearBump/RouteBox/internal/cache/rediscache"
	"github.com/BearBump/RouteBox/internal/integrations/dispatch"
	"github.com/BearBump/RouteBox/internal/integrations/dispatch/dispatchhttp"
	dispatchfake "github.com/BearBump/RouteBox/internal/integrations/dispatch/fake"
	"github.com/BearBump/RouteBox/internal/integrations/geoloc"
	geofake "github.com/BearBump/RouteBox/internal/integrations/geoloc/fake"
	"github.com/BearBump/RouteBox/internal/integrations/geoloc/gpsdhttp"
	"github.com/BearBump/RouteBox/internal/netmon"
	"github.com/BearBump/RouteBox/internal/services/journey"
	"github.com/BearBump/RouteBox/internal/services/syncqueue"
	"github.com/BearBump/RouteBox/internal/storage/kvstore"
	"github.com/BearBump/RouteBox/internal/storage/memkv"
	"github.com/BearBump/RouteBox/internal/storage/sqlitekv"
)

type agentFactories struct {
	newStore       func(cfg *config.Config) (kvstore.Store, error)
	newDispatch    func(cfg *config.Config) dispatch.Client
	newGeo         func(cfg *config.Config) geoloc.Provider
	newProducer    func(cfg *config.Config) journey.Producer
	newRateLimiter func(cfg *config.Config) journey.RateLimiter
	newStatusCache func(cfg *config.Config) cache.BytesCache
	newProbe       func(cfg *config.Config) netmon.ProbeFunc
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newStore: func(cfg *config.Config) (kvstore.Store, error) {
			if cfg.Storage.SQLitePath == "" {
				return memkv.New(), nil
			}
			return sqlitekv.New(cfg.Storage.SQLitePath)
		},
		newDispatch: func(cfg *config.Config) dispatch.Client {
			// Демо-режим или пустой base_url — встроенная заглушка.
			if cfg.Agent.DemoMode || cfg.Dispatch.BaseURL == "" {
				return dispatchfake.New()
			}
			timeout := time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = 15 * time.Second
			}
			return dispatchhttp.New(cfg.Dispatch.BaseURL, cfg.Dispatch.APIKey, timeout)
		},
		newGeo: func(cfg *config.Config) geoloc.Provider {
			if cfg.GPS.BaseURL == "" {
				return geofake.New()
			}
			return gpsdhttp.New(cfg.GPS.BaseURL)
		},
		newProducer: func(cfg *config.Config) journey.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) journey.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newStatusCache: func(cfg *config.Config) cache.BytesCache {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newProbe: func(cfg *config.Config) netmon.ProbeFunc {
			// В демо-режиме связь считается постоянной.
			if cfg.Agent.DemoMode || cfg.Dispatch.BaseURL == "" {
				return nil
			}
			return netmon.HTTPProbe(cfg.Dispatch.BaseURL, 5*time.Second)
		},
	}
}

func RunAgent(ctx context.Context, cfg *config.Config, f agentFactories) error {
	syncInterval := time.Duration(cfg.Agent.SyncIntervalSeconds) * time.Second
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	trafficInterval := time.Duration(cfg.Agent.TrafficCheckIntervalSeconds) * time.Second
	if trafficInterval <= 0 {
		trafficInterval = 5 * time.Minute
	}
	probeInterval := time.Duration(cfg.Agent.ProbeIntervalSeconds) * time.Second
	if probeInterval <= 0 {
		probeInterval = 15 * time.Second
	}
	geoTimeout := time.Duration(cfg.Agent.GeoTimeoutSeconds) * time.Second
	if geoTimeout <= 0 {
		geoTimeout = 8 * time.Second
	}
	statusTTL := time.Duration(cfg.Agent.StatusTTLSeconds) * time.Second
	if statusTTL <= 0 {
		statusTTL = 60 * time.Second
	}
	maxRetries := cfg.Agent.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	topic := cfg.Kafka.JourneyEventsTopicName
	if topic == "" {
		topic = "journey.events"
	}
	driverID := cfg.Agent.DriverID
	if driverID == "" {
		driverID = "demo-driver"
	}

	store, err := f.newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mon := netmon.New(f.newProbe(cfg), probeInterval)
	queue := syncqueue.New(store, mon).WithMaxRetries(maxRetries)

	tracker := journey.New(f.newDispatch(cfg), queue, f.newGeo(cfg), store, driverID).
		WithGeoTimeout(geoTimeout).
		WithTrafficInterval(trafficInterval)
	if p := f.newProducer(cfg); p != nil {
		tracker.WithTelemetry(p, topic)
	}
	if c := f.newStatusCache(cfg); c != nil {
		tracker.WithStatusCache(c, statusTTL)
	}
	if rl := f.newRateLimiter(cfg); rl != nil {
		tracker.WithReoptimizeLimit(rl, int64(cfg.Agent.ReoptimizePerHour))
	}
	queue.WithDrainHook(func(ctx context.Context, res syncqueue.DrainResult) {
		tracker.ReportSyncDrained(ctx, res.Synced, res.Failed)
	})

	// Стартовая загрузка маршрутов и сверка с сервером — best effort,
	// агент обязан подниматься и без связи.
	if _, fromCache, err := tracker.Routes(ctx); err != nil {
		slog.Warn("initial route load", "error", err.Error())
	} else if fromCache {
		slog.Info("routes loaded from offline snapshot")
	}
	if err := tracker.Reconcile(ctx); err != nil {
		slog.Warn("initial reconcile", "error", err.Error())
	}

	errCh := make(chan error, 4)
	go func() { errCh <- mon.Run(ctx) }()
	go func() { errCh <- queue.Run(ctx, tracker.ExecuteAction, syncInterval) }()
	go func() { errCh <- tracker.RunTrafficWatch(ctx) }()
	go func() {
		errCh <- runAgentHTTPServer(ctx, agentHTTPOpts{
			httpAddr:    cfg.Agent.HTTPAddr,
			swaggerPath: swaggerPathFromEnv(),
			cfg:         cfg,
			tracker:     tracker,
			queue:       queue,
			mon:         mon,
		})
	}()

	err = <-errCh
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
