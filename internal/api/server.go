package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/api/handlers"
	"example.com/backstage/services/citysync/internal/api/middleware"
	"example.com/backstage/services/citysync/internal/clients"
	"example.com/backstage/services/citysync/internal/metrics"
	"example.com/backstage/services/citysync/internal/resilience"
	"example.com/backstage/services/citysync/internal/services"
	"example.com/backstage/services/citysync/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config      config.Config
	router      *gin.Engine
	httpServer  *http.Server
	syncService *services.SyncService
	vehicles    *clients.VehicleClient
	breakers    *resilience.Registry
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	syncService *services.SyncService,
	vehicles *clients.VehicleClient,
	breakers *resilience.Registry,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	server := &Server{
		config:      cfg,
		syncService: syncService,
		vehicles:    vehicles,
		breakers:    breakers,
		metrics:     m,
		tracer:      tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return server
}

// Router returns the configured gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.NewRelic(s.tracer.Application()),
		middleware.Logger(),
		middleware.Metrics(s.metrics),
	)

	handlers.NewCitySyncHandler(s.syncService).RegisterRoutes(router)
	handlers.NewDependencyHandler(s.breakers).RegisterRoutes(router)
	handlers.NewMetricsHandler(s.metrics, s.syncService, s.breakers).RegisterRoutes(router)
	if s.vehicles != nil {
		handlers.NewVehicleHandler(s.vehicles).RegisterRoutes(router)
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
