package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"device-sync-service/internal/api"
	"device-sync-service/internal/config"
	"device-sync-service/internal/database"
	"device-sync-service/internal/device"
	"device-sync-service/internal/logger"
	"device-sync-service/internal/reachability"
	"device-sync-service/internal/store"
	"device-sync-service/internal/sync"
	"device-sync-service/internal/transport"
)

func main() {
	configPath := os.Getenv("SYNC_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting Device Sync Service")

	ctx := context.Background()

	// Init State Store
	stateStore, err := newStateStore(ctx, cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}
	defer stateStore.Close()

	// Init Cloud Transport
	cloudDB, err := database.NewDatabase(cfg.Databases.Cloud, 10)
	if err != nil {
		logger.Log.Fatal("Failed to connect to cloud database", zap.Error(err))
	}
	defer cloudDB.Close()

	cloud, err := transport.NewMySQLTransport(ctx, cloudDB)
	if err != nil {
		logger.Log.Fatal("Failed to init cloud transport", zap.Error(err))
	}

	// Init Sync Manager
	identity := device.FromConfig(cfg.Device)
	syncManager := sync.NewManager(cfg.Sync, stateStore, cloud, identity)
	if err := syncManager.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start sync manager", zap.Error(err))
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()

	if cfg.Reachability.Enabled {
		probe := reachability.NewProbe(cfg.Reachability.Address, cfg.Reachability.Interval, cfg.Reachability.Timeout)
		syncManager.WatchReachability(watchCtx, probe.Run(watchCtx))
	}

	var feed *sync.RemoteFeed
	if cfg.RemoteFeed.Enabled {
		feed, err = sync.NewRemoteFeed(cfg.Databases.Cloud, cfg.RemoteFeed, identity.ID, syncManager.IngestRemoteChange)
		if err != nil {
			logger.Log.Fatal("Failed to init remote feed", zap.Error(err))
		}
		if err := feed.Start(); err != nil {
			logger.Log.Fatal("Failed to start remote feed", zap.Error(err))
		}
	}

	// Init API
	handler := api.NewHandler(syncManager, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr), zap.String("deviceID", identity.ID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}

	if feed != nil {
		feed.Stop()
	}
	stopWatching()
	syncManager.Stop()
}

func newStateStore(ctx context.Context, cfg config.StateStorage) (store.Store, error) {
	switch cfg.Type {
	case "mysql":
		s, err := store.NewMySQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		logger.Log.Warn("Using in-memory state store; queued changes are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state storage type %q", cfg.Type)
	}
}
