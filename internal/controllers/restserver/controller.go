// Package restserver projects the core in-process API onto HTTP and
// WebSocket surfaces.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/soilsense/trustd/internal/broadcast"
	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/log"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/tickets"
	"github.com/soilsense/trustd/pkg/config"
	"go.uber.org/zap"
)

// Controller represents the REST server controller
type Controller struct {
	ctx         context.Context
	wg          *sync.WaitGroup
	serverCfg   config.ServerData
	Server      http.Server
	store       store.Store
	ingestor    *ingest.Ingestor
	tickets     *tickets.Manager
	broadcaster *broadcast.Broadcaster
	logger      *zap.SugaredLogger
	handlers    *Handlers
}

// NewController creates a new REST server controller
func NewController(ctx context.Context, wg *sync.WaitGroup, sc config.ServerData,
	st store.Store, ing *ingest.Ingestor, tm *tickets.Manager, bc *broadcast.Broadcaster,
	logger *zap.SugaredLogger) (*Controller, error) {

	ctrl := &Controller{
		ctx:         ctx,
		wg:          wg,
		serverCfg:   sc,
		store:       st,
		ingestor:    ing,
		tickets:     tm,
		broadcaster: bc,
		logger:      logger,
	}

	if sc.ListenAddr == "" {
		logger.Info("server.listen_addr not provided; defaulting to 0.0.0.0 (all interfaces)")
		ctrl.serverCfg.ListenAddr = "0.0.0.0"
	}
	if sc.Port == 0 {
		logger.Info("server.port not provided; defaulting to 8080")
		ctrl.serverCfg.Port = 8080
	}

	ctrl.handlers = NewHandlers(ctrl)

	router := ctrl.setupRouter()
	ctrl.Server.Addr = fmt.Sprintf("%v:%v", ctrl.serverCfg.ListenAddr, ctrl.serverCfg.Port)
	ctrl.Server.Handler = router
	ctrl.Server.ReadHeaderTimeout = 10 * time.Second

	return ctrl, nil
}

// StartController starts the REST server
func (c *Controller) StartController() error {
	log.Info("Starting REST server controller...")
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		if c.serverCfg.TLSCertPath != "" && c.serverCfg.TLSKeyPath != "" {
			if err := c.Server.ListenAndServeTLS(c.serverCfg.TLSCertPath, c.serverCfg.TLSKeyPath); err != http.ErrServerClosed {
				log.Errorf("REST server error: %v", err)
			}
		} else {
			if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
				log.Errorf("REST server error: %v", err)
			}
		}
	}()

	go func() {
		<-c.ctx.Done()
		log.Info("Shutting down the REST server...")
		c.Server.Shutdown(context.Background())
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(c.loggingMiddleware)
	router.Use(c.apiKeyMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sensors", c.handlers.RegisterSensor).Methods(http.MethodPost)
	api.HandleFunc("/sensors", c.handlers.ListSensors).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{externalId}", c.handlers.GetSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{externalId}", c.handlers.DeleteSensor).Methods(http.MethodDelete)
	api.HandleFunc("/sensors/{externalId}/zone", c.handlers.UpdateSensorZone).Methods(http.MethodPut)
	api.HandleFunc("/sensors/{externalId}/trust", c.handlers.GetTrustHistory).Methods(http.MethodGet)
	api.HandleFunc("/readings", c.handlers.IngestReading).Methods(http.MethodPost)
	api.HandleFunc("/readings/batch", c.handlers.IngestBatch).Methods(http.MethodPost)
	api.HandleFunc("/dashboard", c.handlers.DashboardSummary).Methods(http.MethodGet)
	api.HandleFunc("/zones", c.handlers.ZoneStatistics).Methods(http.MethodGet)
	api.HandleFunc("/tickets", c.handlers.ListTickets).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id}", c.handlers.UpdateTicket).Methods(http.MethodPut)

	router.HandleFunc("/ws", c.handlers.ServeWebSocket)
	router.HandleFunc("/ws/sensors/{externalId}", c.handlers.ServeSensorWebSocket)

	return router
}

// loggingMiddleware logs each request with its duration
func (c *Controller) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		c.logger.Debugw("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// apiKeyMiddleware enforces the configured API key on mutating requests.
// Read paths and the WebSocket feed stay open.
func (c *Controller) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.serverCfg.APIKey != "" && r.Method != http.MethodGet && r.Method != http.MethodOptions {
			if r.Header.Get("X-API-Key") != c.serverCfg.APIKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error": "invalid or missing API key"}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
