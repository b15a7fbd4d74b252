package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/campaign-dialer/internal/api"
	"github.com/acme/campaign-dialer/internal/api/handlers"
	"github.com/acme/campaign-dialer/internal/app"
	"github.com/acme/campaign-dialer/internal/telemetry"
	eventworker "github.com/acme/campaign-dialer/internal/worker/event"
)

// The dialer is a single process: the HTTP API, the dispatch engine, the
// metrics flusher and the call-event consumer all share the in-memory call
// state machine.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	pipe := container.Pipeline()
	if err := pipe.Registry.RestoreRunning(ctx); err != nil {
		log.Fatalf("failed to restore running campaigns: %v", err)
	}

	go func() {
		if err := pipe.Controller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("dispatch controller terminated: %v", err)
		}
	}()
	go func() {
		if err := pipe.Aggregator.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("metrics aggregator terminated: %v", err)
		}
	}()
	go func() {
		if err := eventworker.New(container).Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("event worker terminated: %v", err)
		}
	}()

	handlerSet := handlers.NewHandlerSet(container)
	server := api.NewServer(container, handlerSet)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
