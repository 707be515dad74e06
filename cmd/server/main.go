package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := server.ConfigureLogging(cfg.Log); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	logrus.Info("Starting relaychat server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := openStore(ctx, cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open store")
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing store")
		}
	}()

	srv := server.New(*cfg, gateway)
	if err := srv.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Shutdown did not complete cleanly")
	}
}

func openStore(ctx context.Context, cfg server.DatabaseConfig) (store.Gateway, error) {
	if cfg.Driver == "postgres" {
		return store.OpenPostgres(ctx, cfg.DSN, cfg.ConnectAttempts)
	}
	logrus.Warn("Using in-memory store; history is lost on restart")
	return store.NewMemory(), nil
}
