// Package app wires the trust engine together: store, scorer, ticket
// manager, ingestor, transport surfaces and the optional archive engine.
package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/soilsense/trustd/internal/broadcast"
	"github.com/soilsense/trustd/internal/controllers/restserver"
	"github.com/soilsense/trustd/internal/gateway"
	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/log"
	"github.com/soilsense/trustd/internal/storage/timescaledb"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/tickets"
	"github.com/soilsense/trustd/internal/trust"
	"github.com/soilsense/trustd/internal/types"
	"github.com/soilsense/trustd/pkg/config"
	"go.uber.org/zap"
)

// App represents the main application
type App struct {
	cfg    *config.ConfigData
	logger *zap.SugaredLogger
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	broadcaster := broadcast.New(a.logger)
	memStore := store.NewMemStore()
	scorer := trust.NewScorer(trust.NewConfig(a.cfg.Scoring))
	ticketManager := tickets.NewManager(memStore, broadcaster, a.logger)
	ingestor := ingest.New(memStore, scorer, ticketManager, broadcaster, a.logger)

	// The archive engine consumes the event feed through its own
	// subscription so a slow database never slows ingest.
	if a.cfg.Storage.TimescaleDB != nil {
		archive, err := timescaledb.New(ctx, a.cfg.Storage.TimescaleDB.ConnectionString)
		if err != nil {
			return err
		}
		archiveChan := archive.StartArchiveEngine(ctx, &wg)
		startArchivePump(ctx, &wg, broadcaster, archiveChan)
	}

	restController, err := restserver.NewController(ctx, &wg, a.cfg.Server,
		memStore, ingestor, ticketManager, broadcaster, a.logger)
	if err != nil {
		return err
	}
	if err := restController.StartController(); err != nil {
		return err
	}

	if a.cfg.Gateways.UDP != nil {
		udp := gateway.NewUDPGateway(ctx, &wg, *a.cfg.Gateways.UDP, ingestor, a.logger)
		if err := udp.StartGateway(); err != nil {
			return err
		}
	}
	if a.cfg.Gateways.Serial != nil {
		ser := gateway.NewSerialGateway(ctx, &wg, *a.cfg.Gateways.Serial, ingestor, a.logger)
		if err := ser.StartGateway(); err != nil {
			return err
		}
	}

	log.Info("Application started successfully")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	// Cancel context to signal all goroutines to stop
	cancel()

	// Wait for all workers to terminate
	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}

// startArchivePump forwards broadcast events into the archive engine's
// intake channel.
func startArchivePump(ctx context.Context, wg *sync.WaitGroup, bc *broadcast.Broadcaster, out chan<- types.Event) {
	sub := bc.Subscribe()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer bc.Unsubscribe(sub.ID)

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
