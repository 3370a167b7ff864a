package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmehdipour/event-gateway/internal/auth"
	"github.com/jmehdipour/event-gateway/internal/config"
	"github.com/jmehdipour/event-gateway/internal/http/middleware"
	"github.com/jmehdipour/event-gateway/internal/metrics"
	"github.com/jmehdipour/event-gateway/internal/repository"
	"github.com/jmehdipour/event-gateway/internal/service/events"
	"github.com/jmehdipour/event-gateway/internal/service/inbox"
	"github.com/jmehdipour/event-gateway/internal/service/ingest"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Deps struct {
	Ingest     *ingest.Service
	Inbox      *inbox.Service
	Events     *events.Service
	Authorizer auth.Authorizer
	Reports    repository.CHOutcomesRepository // optional
	// Ready reports backend health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.HTTPConfig, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)
	e.Use(
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: uuid.NewString}),
		echoMid.Recover(),
		echoMid.Logger(),
	)
	if cfg.BodyLimit != "" {
		e.Use(echoMid.BodyLimit(cfg.BodyLimit))
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/healthz", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				log.Warn("health check failed", zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	authMW := middleware.Auth(d.Authorizer, log)

	// routes (per-route auth keeps unknown paths a plain 404)
	e.POST("/events", createEventHandler(d.Ingest), authMW)
	e.DELETE("/events/:id", deleteEventHandler(d.Events), authMW)
	e.GET("/events/:id/status", eventStatusHandler(d.Events), authMW)
	e.POST("/events/:id/ack", ackEventHandler(d.Events), authMW)
	e.GET("/inbox", inboxHandler(d.Inbox), authMW)
	if d.Reports != nil {
		e.GET("/reports/deliveries", listDeliveriesHandler(d.Reports), authMW)
	}

	return &Server{e: e, log: log}
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
