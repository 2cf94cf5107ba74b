package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	root, err := NewCompositionRoot(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize proxy: %v", err)
	}

	if err := root.Start(context.Background()); err != nil {
		logrus.Fatalf("Failed to start proxy: %v", err)
	}

	proxyLn, adminLn, err := root.Listen()
	if err != nil {
		logrus.Fatalf("Failed to listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- root.Serve(proxyLn, adminLn) }()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logrus.Infof("Received %s, shutting down", sig)
	case err := <-served:
		if err != nil {
			logrus.WithError(err).Error("Server failed, shutting down")
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := root.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Shutdown did not complete cleanly")
		exitCode = 1
	}

	logrus.Info("Proxy exited")
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
