package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nodi-agent/agent/internal/config"
	"nodi-agent/agent/internal/db"
	"nodi-agent/agent/internal/logger"
	"nodi-agent/agent/internal/ota"
	"nodi-agent/agent/internal/protocol"
	"nodi-agent/agent/internal/transport"

	"github.com/google/uuid"
)

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg := config.Init(*cfgPath)
	if err := logger.Init(cfg.LogPath); err != nil {
		fmt.Fprintln(os.Stderr, "Cannot initialize logger:", err)
		return
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		logger.Warnf("No device_id configured, using generated id %s", cfg.DeviceID)
	}

	adb, err := db.Init(cfg.DBPath)
	if err != nil {
		logger.Error("Cannot open SQLite:", err)
		return
	}
	if err := adb.AutoMigrate(&db.UpdateRecord{}, &db.BackupRecord{}); err != nil {
		logger.Error("Cannot migrate SQLite:", err)
		return
	}

	store, err := ota.NewBackupStore(cfg.BackupDir, cfg.MaxBackupCount, adb)
	if err != nil {
		logger.Error("Cannot initialize backup store:", err)
		return
	}
	if err := store.Watch(); err != nil {
		logger.Warnf("Backup directory watcher unavailable: %v", err)
	}
	defer store.Close()

	supervisor := &ota.SystemdSupervisor{Timeout: cfg.RestartTimeout}
	orch := ota.NewOrchestrator(
		ota.Config{
			Package:         cfg.PackageName,
			Services:        cfg.Services,
			InstallDir:      cfg.InstallDir,
			DownloadRetries: cfg.DownloadRetries,
		},
		ota.NewFetcher(cfg.StagingDir, cfg.MaxDownloadSize, cfg.DownloadTimeout),
		store,
		&ota.Installer{InstallDir: cfg.InstallDir, BinaryPath: cfg.BinaryPath, Timeout: cfg.InstallTimeout},
		supervisor,
		&ota.HealthChecker{
			Retries:  cfg.HealthRetries,
			Interval: cfg.HealthInterval,
			Probe:    ota.ServiceProbe(supervisor, cfg.Services),
		},
		adb,
	)

	nc, err := transport.Connect(cfg.NatsURL)
	if err != nil {
		logger.Error("Cannot connect to broker:", err)
		return
	}
	defer nc.Close()

	codec := &protocol.Codec{DeviceID: cfg.DeviceID}
	if cfg.AuthSecret != "" {
		codec.Secret = []byte(cfg.AuthSecret)
	}
	bridge := transport.NewBridge(nc, codec, orch, cfg)

	// an install interrupted by a crash must never be resumed mid-phase;
	// reconcile after the bridge wires the report sink but before commands
	// are accepted
	orch.ReconcileStartup()

	if err := bridge.Start(); err != nil {
		logger.Error("Cannot subscribe:", err)
		return
	}
	defer bridge.Close()

	logger.Infof("OTA agent ready: device=%s package=%s install_dir=%s", cfg.DeviceID, cfg.PackageName, cfg.InstallDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, waiting for in-flight session...")
	orch.Wait()
	logger.Info("Agent stopped")
}
