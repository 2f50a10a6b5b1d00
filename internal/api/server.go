// Package api exposes the tracker's state over a read-only HTTP
// surface: trades, performance, insights, parameter history, and the
// live loss report. All writes happen through the detector pipeline,
// never through this API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/lossmonitor"
)

// Store is the read surface the handlers consume. Implemented by
// *database.Repository.
type Store interface {
	GetTrade(ctx context.Context, id int64) (*database.Trade, error)
	OpenTrades(ctx context.Context, account string) ([]*database.Trade, error)
	ClosedTrades(ctx context.Context, account string) ([]*database.Trade, error)
	LatestMetric(ctx context.Context, account string) (*database.PerformanceMetric, error)
	RecentInsights(ctx context.Context, account string, limit int) ([]*database.Insight, error)
	LatestParameterRevision(ctx context.Context, account, parameter string) (*database.ParameterRevision, error)
	ParameterHistory(ctx context.Context, account, parameter string) ([]*database.ParameterRevision, error)
	UnreviewedGaps(ctx context.Context, account string) ([]*database.ReconciliationGap, error)
}

// Assessor produces the live loss report. Implemented by
// *lossmonitor.Monitor.
type Assessor interface {
	Assess(ctx context.Context, account string, now time.Time) (*lossmonitor.Report, error)
}

// Config holds the server's listen settings.
type Config struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	DefaultAccount string   `json:"default_account"`
}

// Server is the read-only HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      Store
	monitor    Assessor
	cfg        Config
	logger     zerolog.Logger
}

// NewServer builds the server and its routes.
func NewServer(store Store, monitor Assessor, cfg Config, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		store:   store,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/trades", s.handleTrades)
		api.GET("/trades/:id", s.handleTrade)
		api.GET("/performance", s.handlePerformance)
		api.GET("/insights", s.handleInsights)
		api.GET("/parameters/:name", s.handleParameter)
		api.GET("/parameters/:name/history", s.handleParameterHistory)
		api.GET("/loss-report", s.handleLossReport)
		api.GET("/gaps", s.handleGaps)
	}
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Int("port", s.cfg.Port).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
