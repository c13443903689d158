package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"home-bridge/internal/alerting"
	"home-bridge/internal/database"
	"home-bridge/internal/devicecache"
	"home-bridge/internal/directory"
	"home-bridge/internal/metrics"
	"home-bridge/internal/mqtt"
	"home-bridge/internal/services"
	"home-bridge/pkg/config"
	"home-bridge/pkg/logging"
)

const cacheSweepInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge until interrupted",
	RunE:  runServe,
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting home bridge", "version", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	// === Storage ===
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// === Device directory ===
	dir, closeDir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	// === Alert notification dedup ===
	deduper, closeDeduper, err := openDeduper(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeduper()

	// === Device cache ===
	cache := devicecache.New(devicecache.Config{
		StaleAfter: cfg.CacheStaleAfter,
		EvictAfter: cfg.CacheEvictAfter,
		MaxEntries: cfg.CacheMaxEntries,
	}, logger)
	met.ObserveOnlineDevices(cache.OnlineCount)

	// === MQTT ===
	manager := newManager(cfg, logger, met)

	publisher := mqtt.NewPublisher(manager, mqtt.PublisherConfig{
		ControlTopic: cfg.MQTTTopicControl,
		AlertTopic:   cfg.MQTTTopicAlerts,
		FrameGap:     cfg.ControlFrameGap,
	}, logger, met)

	sensorConfig := services.DefaultSensorServiceConfig()
	sensorConfig.Thresholds = alerting.Thresholds{
		GasLevel:    cfg.GasThreshold,
		Temperature: cfg.TemperatureThreshold,
		HumanCount:  cfg.HumanThreshold,
	}
	sensorConfig.DedupWindow = cfg.AlertDedupWindow
	sensorService := services.NewSensorService(store, store, publisher, deduper, sensorConfig, logger, met)

	subscriber := mqtt.NewSubscriber(manager, mqtt.SubscriberConfig{
		TelemetryTopic:    cfg.MQTTTopicTelemetry,
		StatusTopic:       cfg.MQTTTopicStatus,
		HeartbeatTopic:    cfg.MQTTTopicHeartbeat,
		TelemetryDeviceID: cfg.TelemetryDeviceID,
		HouseID:           cfg.HouseID,
	}, cache, sensorService.ReadingChan, logger, met)

	manager.OnConnect(subscriber.SubscribeAll)
	manager.OnDisconnect(cache.Clear)

	controlService := services.NewControlService(dir, publisher, logger)

	// === Run ===
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		sensorService.Start(gctx)
		return nil
	})
	g.Go(func() error {
		cache.Run(gctx, cacheSweepInterval)
		return nil
	})
	if pg, ok := dir.(*directory.PostgresDirectory); ok {
		g.Go(func() error {
			pg.StartAutoRefresh(gctx, cfg.DirectoryRefresh)
			return nil
		})
	}

	handler := newHTTPHandler(httpDeps{
		conn:    manager,
		cache:   cache,
		metrics: met,
		control: controlService,
		sensors: sensorService,
		logger:  logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping services")

		// stop publishes and the network client first; Disconnect then
		// clears the cache through its hook
		manager.Disconnect()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("home bridge is running",
		"broker", cfg.BrokerURL(),
		"telemetry_topic", cfg.MQTTTopicTelemetry,
		"control_topic", cfg.MQTTTopicControl,
		"store", cfg.StoreDriver,
		"directory", cfg.DirectorySource,
	)

	err = g.Wait()
	if err != nil {
		logger.Error("home bridge stopped", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newManager(cfg *config.Config, logger *slog.Logger, met *metrics.Metrics) *mqtt.Manager {
	return mqtt.NewManager(mqtt.ClientConfig{
		Broker:         cfg.BrokerURL(),
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		MaxRetries:     cfg.MQTTMaxRetries,
		MaxBackoff:     cfg.MQTTMaxBackoff,
		ConnectTimeout: cfg.MQTTConnectTimeout,
		PublishTimeout: cfg.MQTTPublishTimeout,
	}, logger, met)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return db, nil
	default:
		db, err := database.NewClickHouseDB(ctx, database.ClickHouseConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		return db, nil
	}
}

func openDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (directory.Directory, func(), error) {
	switch cfg.DirectorySource {
	case "postgres":
		pg, err := directory.NewPostgresDirectory(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load device directory: %w", err)
		}
		return pg, pg.Close, nil
	default:
		topo, err := directory.LoadTopology(cfg.TopologyPath)
		if err != nil {
			return nil, nil, err
		}
		dir, err := directory.NewStaticDirectory(topo)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("device topology loaded", "path", cfg.TopologyPath, "devices", dir.Len())
		return dir, func() {}, nil
	}
}

func openDeduper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (alerting.Deduper, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("alert dedup kept in memory")
		return alerting.NewMemoryDeduper(), func() {}, nil
	}

	rd, err := alerting.NewRedisDeduper(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("alert dedup backed by redis", "addr", cfg.RedisAddr)
	return rd, func() { rd.Close() }, nil
}
