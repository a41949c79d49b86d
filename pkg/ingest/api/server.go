package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	metricsinfra "github.com/tigerroll/tsingest/pkg/ingest/infrastructure/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/orchestrator"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// NewRouter builds the gin engine. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", h.Healthz)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	ingest := router.Group("/ingest")
	{
		ingest.POST("/:source", h.Ingest)
		ingest.POST("/:source/backfill", h.Backfill)
	}

	jobs := router.Group("/jobs")
	{
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/enable", h.EnableJob)
		jobs.POST("/:id/disable", h.DisableJob)
		jobs.POST("/:id/trigger", h.TriggerJob)
		jobs.GET("/:id/executions", h.JobExecutions)
	}

	executions := router.Group("/executions")
	{
		executions.GET("", h.ListExecutions)
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
	}

	router.GET("/gaps", h.ListGaps)
	router.GET("/status/coverage", h.Coverage)
	router.GET("/data/:source/:entity", h.Data)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

// HandlerParams defines the dependencies of NewHandlerFromConfig.
type HandlerParams struct {
	fx.In
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Registry     *source.Registry
	Jobs         repository.JobRepository
	Executions   repository.ExecutionRepository
	Gaps         repository.GapRepository
}

// NewHandlerFromConfig is an Fx provider for *Handler.
func NewHandlerFromConfig(p HandlerParams) *Handler {
	cfg := p.Config.Ingest
	coverage := NewCoverageCache(p.Registry, config.Seconds(cfg.Coverage.CacheTTLSeconds, time.Minute))
	return NewHandler(p.Orchestrator, p.Registry, p.Jobs, p.Executions, p.Gaps, coverage, config.Seconds(cfg.HTTP.SyncFetchTimeoutSeconds, 10*time.Second))
}

// ServerParams defines the dependencies of RegisterServer.
type ServerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Handler   *Handler
	Recorder  *metricsinfra.PrometheusRecorder
}

// RegisterServer serves the API for the lifetime of the application.
func RegisterServer(p ServerParams) {
	cfg := p.Config.Ingest.Server
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	metrics := promhttp.HandlerFor(p.Recorder.GetRegistry(), promhttp.HandlerOpts{})
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(p.Handler, metrics),
		ReadTimeout:  config.Seconds(cfg.ReadTimeoutSeconds, 15*time.Second),
		WriteTimeout: config.Seconds(cfg.WriteTimeoutSeconds, 30*time.Second),
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Infof("HTTP API listening on %s.", ln.Addr())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("HTTP API stopped: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Infof("Shutting down HTTP API.")
			return srv.Shutdown(ctx)
		},
	})
}

// Module provides *Handler and runs the HTTP server.
var Module = fx.Options(
	fx.Provide(NewHandlerFromConfig),
	fx.Invoke(RegisterServer),
)
