package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/analytics/ml"
	"ev-demand-analytics-engine/api"
	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/ingestion"
	"ev-demand-analytics-engine/jobs"
	"ev-demand-analytics-engine/logging"
	"ev-demand-analytics-engine/storage"
	"ev-demand-analytics-engine/video"
)

func main() {
	configFile := flag.String("config", envOr("EVDEMAND_CONFIG", "config.json"), "Path to the JSON configuration file")
	flag.Parse()

	// Load configuration
	configManager, err := config.NewConfigManager(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := configManager.GetConfig()

	logger := logging.New(cfg.Logging)
	logger.Info("Starting EV Demand Analytics Engine...")
	configManager.AddWatcher(func(c *config.Config) {
		if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
			logger.SetLevel(level)
		}
		logger.WithField("level", c.Logging.Level).Info("configuration reloaded")
	})

	// Durable store
	var db *storage.DB
	if cfg.Storage.DatabasePath != "" {
		db, err = storage.OpenDB(cfg.Storage.DatabasePath, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open database")
		}
		logger.WithField("path", cfg.Storage.DatabasePath).Info("Database opened")
	}

	storageEngine := storage.NewStorageEngine(&storage.StorageConfig{
		MaxStations:         cfg.Storage.Hot.MaxStations,
		MaxEventsPerStation: cfg.Storage.Hot.MaxEventsPerSeries,
		RetentionPeriod:     cfg.Storage.Hot.RetentionPeriod.Duration,
		CleanupInterval:     cfg.Storage.Hot.CleanupInterval.Duration,
	}, db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded, err := storageEngine.LoadPersisted(ctx, cfg.Storage.SnapshotPath)
	if err != nil {
		logger.WithError(err).WithField("events", loaded).Warn("Persisted events only partly loaded")
	} else {
		logger.WithField("events", loaded).Info("Persisted events loaded")
	}

	storageEngine.Start()
	defer func() {
		if err := storageEngine.Stop(); err != nil {
			logger.WithError(err).Error("Error stopping storage engine")
		}
	}()

	// Ingestion
	streamProcessor := ingestion.NewStreamProcessor(storageEngine, cfg.Ingestion, logger)
	if err := streamProcessor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start stream processor")
	}
	logger.WithFields(logrus.Fields{
		"buffer": cfg.Ingestion.BufferSize,
		"batch":  cfg.Ingestion.BatchSize,
		"flush":  cfg.Ingestion.FlushInterval.Duration,
	}).Info("Stream processor started")

	var subscriber *ingestion.MQTTSubscriber
	if cfg.Ingestion.MQTT.Enabled {
		subscriber = ingestion.NewMQTTSubscriber(cfg.Ingestion.MQTT, streamProcessor, logger)
		if err := subscriber.Connect(); err != nil {
			logger.WithError(err).Warn("MQTT subscription unavailable")
			subscriber = nil
		}
	}

	// Shared cache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unavailable, using in-process caches")
			redisClient.Close()
			redisClient = nil
		}
		pingCancel()
	}

	// Forecasting
	loc, err := time.LoadLocation(cfg.Forecasting.Timezone)
	if err != nil {
		logger.WithError(err).Warn("Unknown forecasting timezone, using UTC")
		loc = time.UTC
	}
	var serviceOpts []ml.ServiceOption
	if redisClient != nil {
		serviceOpts = append(serviceOpts, ml.WithResultCache(ml.NewRedisResultCache(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.ResultTTL.Duration)))
	}
	if cfg.Forecasting.PersistRuns && db != nil {
		serviceOpts = append(serviceOpts, ml.WithRunRecorder(db))
	}
	forecasts := ml.NewForecastService(
		storageEngine,
		ml.NewFeatureBuilder(loc),
		func() *ml.EnsembleForecaster { return ml.NewDefaultEnsemble(cfg.Forecasting, logger) },
		logger,
		serviceOpts...,
	)

	// Video jobs
	var statusStore jobs.StatusStore = jobs.NewMemoryStatusStore()
	if redisClient != nil {
		statusStore = jobs.NewRedisStatusStore(redisClient, cfg.Redis.KeyPrefix)
	}
	runner := jobs.NewRunner(
		video.ReplayDetector{},
		storageEngine.Detections(),
		storageEngine,
		statusStore,
		jobs.RunnerConfigFrom(cfg),
		logger,
	)

	// HTTP API
	apiServer := api.NewServer(cfg, api.Deps{
		Storage:   storageEngine,
		Processor: streamProcessor,
		Forecasts: forecasts,
		Jobs:      runner,
	}, logger)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	printStartupInfo(cfg.Server.Port, cfg)

	// SIGHUP reloads configuration, SIGINT and SIGTERM shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		if err := configManager.Reload(); err != nil {
			logger.WithError(err).Warn("Configuration reload failed")
		}
	}
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	if subscriber != nil {
		subscriber.Close()
	}
	runner.Wait()
	logger.Info("Video jobs drained")

	streamProcessor.Stop()
	logger.Info("Stream processor stopped")

	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Server gracefully stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func printStartupInfo(port string, cfg *config.Config) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("⚡ EV Demand Analytics Engine Started")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("📊 HTTP API: http://localhost%s\n", port)

	fmt.Println("\n🔧 Configuration:")
	fmt.Printf("  Hot Storage:  %d stations, %d events/station\n",
		cfg.Storage.Hot.MaxStations, cfg.Storage.Hot.MaxEventsPerSeries)
	fmt.Printf("  Database:     %s\n", valueOr(cfg.Storage.DatabasePath, "disabled"))
	fmt.Printf("  Ingestion:    buffer=%d, batch=%d, flush=%v, mqtt=%s\n",
		cfg.Ingestion.BufferSize, cfg.Ingestion.BatchSize, cfg.Ingestion.FlushInterval.Duration,
		onOff(cfg.Ingestion.MQTT.Enabled))
	fmt.Printf("  Forecasting:  default %dh, max %dh, tz %s\n",
		cfg.Forecasting.DefaultHorizon, cfg.Forecasting.MaxHorizon, cfg.Forecasting.Timezone)
	fmt.Printf("  Redis:        %s  Auth: %s  Rate limit: %s\n",
		onOff(cfg.Redis.Enabled), onOff(cfg.Auth.Enabled), onOff(cfg.RateLimit.Enabled))

	fmt.Println("\n📋 Available Endpoints:")
	fmt.Printf("  POST %s/api/v1/events              - Ingest single event\n", port)
	fmt.Printf("  POST %s/api/v1/events/batch        - Ingest event batch\n", port)
	fmt.Printf("  GET  %s/api/v1/events              - Query events\n", port)
	fmt.Printf("  GET  %s/api/v1/forecast?hours=24   - Demand forecast\n", port)
	fmt.Printf("  GET  %s/api/v1/analytics/utilization - Utilization report\n", port)
	fmt.Printf("  GET  %s/api/v1/analytics/alerts    - Demand alerts\n", port)
	fmt.Printf("  POST %s/api/v1/video/jobs          - Submit detection log\n", port)
	fmt.Printf("  GET  %s/api/v1/stats               - System statistics\n", port)
	fmt.Printf("  GET  %s/health                     - Health check\n", port)
	fmt.Printf("  GET  %s/metrics                    - Prometheus metrics\n", port)

	fmt.Println("\n📊 Example Usage:")
	fmt.Println("  # Ingest an event")
	fmt.Printf(`  curl -X POST http://localhost%s/api/v1/events \`, port)
	fmt.Println(`
       -H "Content-Type: application/json" \
       -d '{
         "station_id": "st-01",
         "timestamp": "` + time.Now().UTC().Truncate(time.Hour).Format(time.RFC3339) + `",
         "vehicle_count": 12,
         "session_count": 9,
         "occupancy_rate": 0.75,
         "queue_length": 0
       }'`)

	fmt.Println("\n  # Forecast the next day")
	fmt.Printf(`  curl "http://localhost%s/api/v1/forecast?hours=24"`, port)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("✅ Ready to accept requests!")
	fmt.Println("💡 Press Ctrl+C to gracefully shutdown")
	fmt.Println(strings.Repeat("=", 60) + "\n")
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
