package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zoff-tech/erp-bridge/pkg/config"
	"github.com/zoff-tech/erp-bridge/pkg/dedup"
	"github.com/zoff-tech/erp-bridge/pkg/erp"
	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/hub"
	"github.com/zoff-tech/erp-bridge/pkg/ingest"
	"github.com/zoff-tech/erp-bridge/pkg/processor"
	"github.com/zoff-tech/erp-bridge/pkg/retry"
	"github.com/zoff-tech/erp-bridge/pkg/store"
	"github.com/zoff-tech/erp-bridge/pkg/telemetry"
	"github.com/zoff-tech/erp-bridge/pkg/webhook"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/erp-bridge")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(rootCtx, cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// Initialize the event store
	repo, err := store.NewRepository(rootCtx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize event store: ", err)
	}

	// Ingestion path shared by both channels
	deduplicator := dedup.NewDeduplicator(repo, cfg.Dedup.Window)
	ingestor := ingest.NewIngestor(repo, deduplicator)

	// Hub listener
	listener, err := hub.NewListener(rootCtx, &cfg.Hub)
	if err != nil {
		log.Fatal("Failed to initialize hub listener: ", err)
	}
	defer listener.Close()

	// ERP collaborator and orchestrator
	mapper := erp.NewMapper(cfg.ERP.Mappings)
	client := erp.NewOdooClient(&cfg.ERP, mapper)
	policy := retry.NewPolicy(cfg.Retry)
	orchestrator := processor.NewOrchestrator(repo, client, mapper, policy, cfg)
	scheduler := retry.NewScheduler(repo, cfg.Retry.PollInterval, cfg.StaleInFlight)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(rootCtx)
	}()

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orchestrator.Run(rootCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := listener.Listen(rootCtx, func(ctx context.Context, raw []byte) error {
			_, err := ingestor.Ingest(ctx, raw, event.ChannelHub)
			if errors.Is(err, event.ErrMalformedEnvelope) {
				// Redelivery cannot fix a malformed message.
				log.Printf("Dropping malformed hub message: %v", err)
				return nil
			}
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Hub listener stopped: %v", err)
		}
	}()

	server := webhook.NewServer(ingestor, repo, listener)
	go func() {
		log.Printf("Webhook server listening on %s", cfg.Webhook.Addr)
		if err := server.Start(cfg.Webhook.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Webhook server failed: ", err)
		}
	}()

	<-rootCtx.Done()
	log.Print("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Webhook server shutdown error: %v", err)
	}

	wg.Wait()
	log.Print("Bridge stopped")
}
